package captp

import (
	"fmt"
	"math/big"

	"github.com/danmuck/ocapn/internal/promise"
	"github.com/danmuck/ocapn/internal/protocol/ops"
	"github.com/danmuck/ocapn/internal/protocol/passable"
)

// mapMessage applies fn to every passable field of m.
func mapMessage(m ops.Message, fn func(any) (any, error)) (ops.Message, error) {
	var err error
	one := func(v any) any {
		if err != nil {
			return v
		}
		out, e := fn(v)
		if e != nil {
			err = e
		}
		return out
	}
	list := func(vs []any) []any {
		out := make([]any, len(vs))
		for i, v := range vs {
			out[i] = one(v)
		}
		return out
	}
	switch msg := m.(type) {
	case ops.Deliver:
		msg.To = one(msg.To)
		msg.Args = list(msg.Args)
		msg.ResolveMe = one(msg.ResolveMe)
		return msg, err
	case ops.DeliverOnly:
		msg.To = one(msg.To)
		msg.Args = list(msg.Args)
		return msg, err
	case ops.Listen:
		msg.To = one(msg.To)
		msg.ResolveMe = one(msg.ResolveMe)
		return msg, err
	case ops.Pick:
		msg.PromiseDesc = one(msg.PromiseDesc)
		return msg, err
	default:
		return m, nil
	}
}

// walk rebuilds containers, handing every leaf to leaf.
func walk(v any, leaf func(any) (any, error)) (any, error) {
	switch x := v.(type) {
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			mapped, err := walk(item, leaf)
			if err != nil {
				return nil, err
			}
			out[i] = mapped
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			mapped, err := walk(item, leaf)
			if err != nil {
				return nil, err
			}
			out[k] = mapped
		}
		return out, nil
	case passable.Tagged:
		payload, err := walk(x.Payload, leaf)
		if err != nil {
			return nil, err
		}
		return passable.Tagged{Tag: x.Tag, Payload: payload}, nil
	case *passable.Tagged:
		if x == nil {
			return nil, nil
		}
		return walk(*x, leaf)
	default:
		return leaf(v)
	}
}

func (s *Session) prepare(m ops.Message) (ops.Message, error) {
	return mapMessage(m, func(v any) (any, error) { return walk(v, s.prepareLeaf) })
}

// prepareLeaf replaces references imported over other sessions with a
// signed handoff give. It runs without session locks held.
func (s *Session) prepareLeaf(v any) (any, error) {
	r, ok := v.(*Remote)
	if !ok || r.session == s {
		return v, nil
	}
	return s.giveHandoff(r)
}

func (s *Session) marshal(v any, refs map[Slot]struct{}) (any, error) {
	return walk(v, func(leaf any) (any, error) { return s.marshalLeaf(leaf, refs) })
}

func (s *Session) marshalLeaf(v any, refs map[Slot]struct{}) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, float64, float32, []byte, *big.Int,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
		passable.Void, passable.Selector, *passable.Error:
		return v, nil
	case *Remote:
		if x.session != s {
			return nil, violation("%s reached the wrong session", x)
		}
		slot, ok := s.table.Lookup(x)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrReleased, x)
		}
		return s.descriptorFor(slot, refs)
	case *promise.Promise, Object:
		slot, err := s.table.ToSlot(v)
		if err != nil {
			return nil, err
		}
		return s.descriptorFor(slot, refs)
	case passable.Descriptor:
		return v, nil
	case error:
		return passable.NewError(x), nil
	default:
		return nil, fmt.Errorf("%w: %T", passable.ErrNotPassable, v)
	}
}

func (s *Session) descriptorFor(slot Slot, refs map[Slot]struct{}) (any, error) {
	refs[slot] = struct{}{}
	switch {
	case slot.Mine && slot.Kind == KindObject:
		return ops.ImportObject{Position: slot.Position}, nil
	case slot.Mine && slot.Kind == KindPromise:
		return ops.ImportPromise{Position: slot.Position}, nil
	case slot.Mine && slot.Kind == KindQuestion:
		return ops.Answer{Position: slot.Position}, nil
	case slot.isImport():
		return ops.Export{Position: slot.Position}, nil
	default:
		return nil, violation("slot %s cannot be sent", slot)
	}
}

type inbound struct {
	refs    map[Slot]struct{}
	listens []Slot
	targets []*promise.Promise
}

// unmarshalMessage turns descriptors into live values, commits the
// message's import refcounts and subscribes to newly imported promises.
func (s *Session) unmarshalMessage(m ops.Message) (ops.Message, error) {
	in := &inbound{refs: make(map[Slot]struct{})}
	out, err := mapMessage(m, func(v any) (any, error) {
		return walk(v, func(leaf any) (any, error) { return s.unmarshalLeaf(leaf, in) })
	})
	if err != nil {
		return nil, err
	}
	s.table.CommitInbound(in.refs)
	for i, slot := range in.listens {
		listen := ops.Listen{To: in.targets[i], ResolveMe: &resolverObject{session: s, slot: slot}}
		if err := s.send(listen); err != nil {
			s.logger.Warn().Err(err).Str("slot", slot.String()).Msg("listen failed")
		}
	}
	return out, nil
}

func (s *Session) unmarshalLeaf(v any, in *inbound) (any, error) {
	switch d := v.(type) {
	case ops.ImportObject:
		slot := Slot{Kind: KindObject, Position: d.Position}
		val, _, err := s.table.ToValue(slot, s.importRemote)
		if err != nil {
			return nil, err
		}
		in.refs[slot] = struct{}{}
		return val, nil
	case ops.ImportPromise:
		slot := Slot{Kind: KindPromise, Position: d.Position}
		val, created, err := s.table.ToValue(slot, s.importPromise)
		if err != nil {
			return nil, err
		}
		in.refs[slot] = struct{}{}
		if created {
			in.listens = append(in.listens, slot)
			in.targets = append(in.targets, val.(*promise.Promise))
		}
		return val, nil
	case ops.Export:
		val, _, err := s.table.ToValue(Slot{Kind: KindObject, Mine: true, Position: d.Position}, nil)
		return val, err
	case ops.Answer:
		val, _, err := s.table.ToValue(Slot{Kind: KindQuestion, Position: d.Position}, nil)
		return val, err
	case ops.SigEnvelope:
		if _, ok := d.Give(); ok {
			return s.receiveHandoff(d), nil
		}
		return d, nil
	default:
		return v, nil
	}
}
