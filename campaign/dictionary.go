package campaign

import (
	"github.com/fleetedge/agent/cmn/cos"
	"github.com/fleetedge/agent/cmn/nlog"
	"github.com/fleetedge/agent/decoder"
)

// extractDictionary walks the union of enabled campaigns' external signal
// references and, for each, finds its decode rule in raw (the currently
// active decoder description), building the campaign-filtered Dictionary
// per §4.2 "Dictionary extraction". A referenced signal with no row in raw
// is dropped with a warning rather than failing anything (§4.2 "Failure
// semantics").
func extractDictionary(raw *decoder.RawDescription, enabled []*Campaign) *decoder.Dictionary {
	if raw == nil {
		return decoder.Empty()
	}

	wanted := make(map[cos.SignalId]struct{})
	for _, c := range enabled {
		for _, ref := range c.externalRefs() {
			wanted[ref.ExternalId] = struct{}{}
		}
	}

	can := make(map[decoder.Interface]map[decoder.MessageId]decoder.CANRule)
	type canKey struct {
		iface decoder.Interface
		msg   decoder.MessageId
	}
	included := make(map[canKey]string) // key -> format already chosen, for conflict detection
	for iface, msgs := range raw.CAN {
		for msgId, rule := range msgs {
			if !ruleReferences(rule, wanted) {
				continue
			}
			k := canKey{iface, msgId}
			if prevFormat, ok := included[k]; ok && prevFormat != rule.Format {
				nlog.Warningf("campaign: dictionary conflict at (%s,%d): keeping format %q, ignoring %q",
					iface, msgId, prevFormat, rule.Format)
				continue
			}
			included[k] = rule.Format
			if can[iface] == nil {
				can[iface] = make(map[decoder.MessageId]decoder.CANRule)
			}
			can[iface][msgId] = rule
		}
	}

	obd := make(map[cos.SignalId]decoder.OBDRule)
	for sig := range wanted {
		if rule, ok := raw.OBD[sig]; ok {
			obd[sig] = rule
		}
	}

	signalsToCollect := make(map[cos.SignalId]struct{})
	for sig := range wanted {
		_, inCAN := findCANSignal(raw, sig)
		_, inOBD := raw.OBD[sig]
		if inCAN || inOBD {
			signalsToCollect[sig] = struct{}{}
		} else {
			nlog.Warningf("campaign: signal %s has no decoder row in %q, dropping reference", sig, raw.SyncId)
		}
	}

	return decoder.NewDictionary(can, obd, signalsToCollect)
}

func ruleReferences(rule decoder.CANRule, wanted map[cos.SignalId]struct{}) bool {
	for _, s := range rule.Signals {
		if _, ok := wanted[s.Id]; ok {
			return true
		}
	}
	return false
}

func findCANSignal(raw *decoder.RawDescription, sig cos.SignalId) (decoder.CANRule, bool) {
	for _, msgs := range raw.CAN {
		for _, rule := range msgs {
			for _, s := range rule.Signals {
				if s.Id == sig {
					return rule, true
				}
			}
		}
	}
	return decoder.CANRule{}, false
}
