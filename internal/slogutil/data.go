package slogutil

import (
	"context"
	"log/slog"
	"maps"
)

type data map[string]slog.Attr

type dataKey struct{}

func cloneData(ctx context.Context) data {
	d, ok := ctx.Value(dataKey{}).(data)
	if !ok {
		return data{}
	}

	return maps.Clone(d)
}

// With returns a new context carrying the given key-value pairs. Every log
// record emitted with that context picks them up, so a job id attached once
// at the top of an operation shows on all of its log lines.
func With(ctx context.Context, kvargs ...any) context.Context {
	if len(kvargs) == 0 {
		return ctx
	}

	d := cloneData(ctx)

	var r slog.Record

	r.Add(kvargs...)

	r.Attrs(func(a slog.Attr) bool {
		d[a.Key] = a
		return true
	})

	return context.WithValue(ctx, dataKey{}, d)
}

type dataHook struct{}

func (dataHook) Run(ctx context.Context, r *slog.Record) {
	d, ok := ctx.Value(dataKey{}).(data)
	if !ok {
		return
	}

	for _, a := range d {
		r.AddAttrs(a)
	}
}
