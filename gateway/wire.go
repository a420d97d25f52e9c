package gateway

import (
	"encoding/hex"

	"github.com/0ceanSlim/nutengine/cashu"
)

// The structs below are the on-wire JSON shapes of the NUT REST
// endpoints, kept separate from the engine's value types so wire
// details never leak past this package.

type wireProof struct {
	Amount  uint64 `json:"amount"`
	ID      string `json:"id"`
	Secret  string `json:"secret"`
	C       string `json:"C"`
	Witness string `json:"witness,omitempty"`
}

type wireBlindedMessage struct {
	Amount uint64 `json:"amount"`
	ID     string `json:"id"`
	B_     string `json:"B_"`
}

type wireDLEQ struct {
	E string `json:"e"`
	S string `json:"s"`
}

type wireBlindedSignature struct {
	Amount uint64    `json:"amount"`
	ID     string    `json:"id"`
	C_     string    `json:"C_"`
	DLEQ   *wireDLEQ `json:"dleq,omitempty"`
}

func toWireProofs(proofs cashu.Proofs) []wireProof {
	out := make([]wireProof, len(proofs))
	for i, p := range proofs {
		out[i] = wireProof{
			Amount:  p.Amount,
			ID:      p.KeysetID,
			Secret:  string(p.Secret),
			C:       hex.EncodeToString(p.UnblindedPoint),
			Witness: p.Witness,
		}
	}
	return out
}

func toWireOutputs(msgs cashu.BlindedMessages) []wireBlindedMessage {
	out := make([]wireBlindedMessage, len(msgs))
	for i, m := range msgs {
		out[i] = wireBlindedMessage{Amount: m.Amount, ID: m.KeysetID, B_: hex.EncodeToString(m.B_)}
	}
	return out
}

func fromWireSignatures(wire []wireBlindedSignature) (cashu.BlindedSignatures, error) {
	out := make(cashu.BlindedSignatures, len(wire))
	for i, w := range wire {
		cBytes, err := hex.DecodeString(w.C_)
		if err != nil {
			return nil, cashu.Wrap(cashu.KindMintProtocol, err, "decoding blinded signature C_")
		}
		sig := cashu.BlindedSignature{Amount: w.Amount, KeysetID: w.ID, C_: cBytes}
		if w.DLEQ != nil {
			e, err := hex.DecodeString(w.DLEQ.E)
			if err != nil {
				return nil, cashu.Wrap(cashu.KindMintProtocol, err, "decoding DLEQ e")
			}
			s, err := hex.DecodeString(w.DLEQ.S)
			if err != nil {
				return nil, cashu.Wrap(cashu.KindMintProtocol, err, "decoding DLEQ s")
			}
			sig.DLEQ = &cashu.DLEQProof{E: e, S: s}
		}
		out[i] = sig
	}
	return out, nil
}
