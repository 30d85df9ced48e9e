// Package transport multiplexes the pluggable message transport: it
// registers per-peer sockets, dispatches inbound messages by type, and
// broadcasts outbound patches. The core sees only send and on-message;
// everything transport-specific lives behind the Socket interface.
package transport

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/meshlite/meshlite/internal/hlc"
	"github.com/meshlite/meshlite/internal/ident"
	"github.com/meshlite/meshlite/internal/types"
)

// Envelope is the wire form shared by all three message types. PATCH
// and PING populate the patch fields; MISSING_PATCH populates the
// request fields.
type Envelope struct {
	Type int   `json:"type"`
	At   int64 `json:"at,omitempty"`
	Peer int64 `json:"peer"`
	Seq  uint64 `json:"seq,omitempty"`
	Ver  int    `json:"ver,omitempty"`
	Tab  string `json:"tab,omitempty"`

	Delta types.Delta `json:"delta,omitempty"`

	MinSeq  uint64 `json:"minSeq,omitempty"`
	MaxSeq  uint64 `json:"maxSeq,omitempty"`
	ForPeer int64  `json:"forPeer,omitempty"`
}

// FromPatch wraps a patch (or ping) for the wire.
func FromPatch(p types.Patch) *Envelope {
	return &Envelope{
		Type:  int(p.Type),
		At:    int64(p.At),
		Peer:  int64(p.Peer),
		Seq:   p.Seq,
		Ver:   p.Ver,
		Tab:   string(p.Tab),
		Delta: p.Delta,
	}
}

// FromMissing wraps a retransmission request for the wire.
func FromMissing(req types.MissingPatchRequest) *Envelope {
	return &Envelope{
		Type:    int(types.MessageMissingPatch),
		Peer:    int64(req.Peer),
		MinSeq:  req.MinSeq,
		MaxSeq:  req.MaxSeq,
		ForPeer: int64(req.ForPeer),
	}
}

// Patch unwraps the patch fields.
func (e *Envelope) Patch() types.Patch {
	return types.Patch{
		Type:  types.MessageType(e.Type),
		At:    hlc.Time(e.At),
		Peer:  ident.PeerID(e.Peer),
		Seq:   e.Seq,
		Ver:   e.Ver,
		Tab:   ident.Table(e.Tab),
		Delta: e.Delta,
	}
}

// Missing unwraps the retransmission-request fields.
func (e *Envelope) Missing() types.MissingPatchRequest {
	return types.MissingPatchRequest{
		Peer:    ident.PeerID(e.Peer),
		MinSeq:  e.MinSeq,
		MaxSeq:  e.MaxSeq,
		ForPeer: ident.PeerID(e.ForPeer),
	}
}

// Encode renders the envelope as JSON, the socketStringMode wire form.
func (e *Envelope) Encode() ([]byte, error) {
	out, err := json.Marshal(e)
	return out, errors.Wrap(err, "encoding envelope")
}

// Decode parses the JSON wire form.
func Decode(data []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, errors.Wrap(err, "decoding envelope")
	}
	return e, nil
}
