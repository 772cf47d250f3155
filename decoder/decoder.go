// Package decoder defines the DecoderDictionary: a read-only, per-transport
// lookup from (Interface, MessageId) to a decode rule, plus the OBD PID
// table. The dictionary itself is produced by campaign.Manager (§4.2,
// "Dictionary extraction"); this package owns only the compiled shape, the
// lookup semantics (including the extended-id mask fallback), and the raw
// wire-independent description the cloud publishes, per §6.2.
/*
 * Copyright (c) 2024, FleetEdge authors. All rights reserved.
 */
package decoder

import "github.com/fleetedge/agent/cmn/cos"

type Interface string

type MessageId uint32

// extendedIDMask masks an inbound message id down to the 29-bit extended-id
// range. The source comments this as a workaround for a cloud limitation in
// how extended CAN ids are registered; §9 asks that it be preserved
// faithfully until the upstream schema explicitly supports extended ids.
const extendedIDMask MessageId = 0x1FFFFFFF

type CollectFlag int

const (
	CollectRaw CollectFlag = 1 << iota
	CollectDecode
)

func (f CollectFlag) Raw() bool    { return f&CollectRaw != 0 }
func (f CollectFlag) Decode() bool { return f&CollectDecode != 0 }

// SignalDef is one primitive signal carried by a CAN-like message.
type SignalDef struct {
	Id cos.SignalId
}

// CANRule is the decode rule for one (Interface, MessageId).
type CANRule struct {
	Format  string
	Signals []SignalDef
	Collect CollectFlag
}

// OBDRule decodes one OBD PID response into a primitive signal.
type OBDRule struct {
	Mode          uint8
	PID           uint8
	StartByte     int
	ByteLen       int
	BitShift      int
	BitMaskLen    int
	Scaling       float64
	Offset        float64
	PrimitiveType string
}

// RawDescription is the in-memory shape of a cloud-published decoder
// manifest after wire decoding (the wire format itself — protobuf — is out
// of scope per §1). CampaignManager.SetDecoderDescription installs one of
// these; the CAN-family entries are keyed the same way the compiled
// Dictionary is, just not yet filtered to what any campaign references.
type RawDescription struct {
	SyncId string
	CAN    map[Interface]map[MessageId]CANRule
	OBD    map[cos.SignalId]OBDRule
}

// Dictionary is the read-only, campaign-filtered lookup table consumers
// (the bus readers feeding ingest.Ingest) hold a shared reference to.
type Dictionary struct {
	can              map[Interface]map[MessageId]CANRule
	obd              map[cos.SignalId]OBDRule
	signalsToCollect map[cos.SignalId]struct{}
}

// NewDictionary is the only constructor; campaign.Manager calls it from its
// dictionary-extraction pass with the subset of raw decoder rows referenced
// by currently enabled campaigns.
func NewDictionary(
	can map[Interface]map[MessageId]CANRule,
	obd map[cos.SignalId]OBDRule,
	signalsToCollect map[cos.SignalId]struct{},
) *Dictionary {
	if can == nil {
		can = map[Interface]map[MessageId]CANRule{}
	}
	if obd == nil {
		obd = map[cos.SignalId]OBDRule{}
	}
	if signalsToCollect == nil {
		signalsToCollect = map[cos.SignalId]struct{}{}
	}
	return &Dictionary{can: can, obd: obd, signalsToCollect: signalsToCollect}
}

// Empty returns a Dictionary with no entries, the state before the first
// decoder/campaign pair has been compiled.
func Empty() *Dictionary { return NewDictionary(nil, nil, nil) }

// Lookup returns the CAN decode rule for (iface, id). On an exact miss it
// retries once with id masked to the 29-bit extended-id range before
// declaring "not decoded" — see extendedIDMask.
func (d *Dictionary) Lookup(iface Interface, id MessageId) (CANRule, bool) {
	msgs, ok := d.can[iface]
	if !ok {
		return CANRule{}, false
	}
	if rule, ok := msgs[id]; ok {
		return rule, true
	}
	masked := id & extendedIDMask
	if masked == id {
		return CANRule{}, false
	}
	rule, ok := msgs[masked]
	return rule, ok
}

func (d *Dictionary) LookupOBD(signal cos.SignalId) (OBDRule, bool) {
	rule, ok := d.obd[signal]
	return rule, ok
}

func (d *Dictionary) IsCollected(signal cos.SignalId) bool {
	_, ok := d.signalsToCollect[signal]
	return ok
}
