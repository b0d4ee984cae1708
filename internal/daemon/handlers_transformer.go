package daemon

import (
	"context"

	"github.com/nextlevelbuilder/ksi/internal/router"
	"github.com/nextlevelbuilder/ksi/pkg/protocol"
)

func (d *Daemon) registerTransformerHandlers() {
	d.router.Register(protocol.EventTransformerRegister, "transformer.register", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		var t router.Transformer
		if err := decode(data, &t); err != nil {
			return nil, err
		}
		if err := d.router.RegisterTransformer(&t); err != nil {
			return nil, &protocol.ErrorInfo{Code: protocol.ErrBadRequest, Message: err.Error()}
		}
		return map[string]interface{}{
			"name":   t.Name,
			"source": t.Source,
			"target": t.Target,
		}, nil
	})

	d.router.Register(protocol.EventTransformerList, "transformer.list", 0, func(ctx context.Context, ec *router.Context, data map[string]interface{}) (interface{}, error) {
		list := d.router.Transformers()
		return map[string]interface{}{"transformers": list, "count": len(list)}, nil
	})
}
