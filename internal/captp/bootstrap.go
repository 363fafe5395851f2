package captp

import (
	"context"
	"fmt"

	"github.com/danmuck/ocapn/internal/protocol/ops"
	"github.com/danmuck/ocapn/internal/protocol/passable"
)

// bootstrap is the object each side exports at o+0.
type bootstrap struct {
	session *Session
}

func (b *bootstrap) PassStyle() passable.Kind { return passable.KindRemotable }

func (b *bootstrap) String() string { return "bootstrap(" + b.session.short() + ")" }

func (b *bootstrap) Invoke(_ context.Context, method string, args []any) (any, error) {
	switch method {
	case "fetch":
		if len(args) != 1 {
			return nil, violation("fetch expects 1 argument, got %d", len(args))
		}
		swiss, ok := args[0].([]byte)
		if !ok {
			return nil, violation("fetch expects a bytestring swiss number, got %T", args[0])
		}
		v, ok := b.session.client.lookupSturdy(swiss)
		if !ok {
			return nil, ErrUnknownSwissnum
		}
		return v, nil
	case "deposit-gift":
		if len(args) != 2 {
			return nil, violation("deposit-gift expects 2 arguments, got %d", len(args))
		}
		giftID, ok := args[0].([]byte)
		if !ok {
			return nil, violation("deposit-gift expects a bytestring gift id, got %T", args[0])
		}
		if err := b.session.client.gifts.Deposit(b.session.id, giftID, args[1]); err != nil {
			return nil, err
		}
		return passable.Void{}, nil
	case "withdraw-gift":
		if len(args) != 1 {
			return nil, violation("withdraw-gift expects 1 argument, got %d", len(args))
		}
		env, ok := args[0].(ops.SigEnvelope)
		if !ok {
			return nil, handoffErr(ReasonMalformed)
		}
		p, err := b.session.withdrawGift(env)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: bootstrap.%s", ErrUnknownMethod, method)
	}
}
