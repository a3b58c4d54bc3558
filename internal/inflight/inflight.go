// Package inflight объединяет одновременные одинаковые операции в одно выполнение.
package inflight

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Group дедупликатор в пределах процесса. Ключ операции (namespace, key).
type Group struct {
	group  singleflight.Group
	logger *zap.Logger
}

func NewGroup(logger *zap.Logger) *Group {
	return &Group{logger: logger}
}

func slot(namespace, key string) string {
	return namespace + "\x00" + key
}

// Do выполняет fn не более одного раза одновременно для (namespace, key).
// shared сообщает, что результат получен вместе с другими вызывающими.
func (g *Group) Do(ctx context.Context, namespace, key string, fn func(ctx context.Context) (any, error)) (v any, shared bool, err error) {
	ch := g.group.DoChan(slot(namespace, key), func() (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("in-flight %s operation panicked: %v", namespace, r)
			}
		}()
		// выполнение не должно прерываться отменой контекста первого вызывающего
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Shared {
			g.logger.Debug("in-flight result shared", zap.String("namespace", namespace))
		}
		return res.Val, res.Shared, res.Err
	}
}

// Forget освобождает слот, следующий вызов начнёт новое выполнение
func (g *Group) Forget(namespace, key string) {
	g.group.Forget(slot(namespace, key))
}

// Run типизированная обёртка над Group.Do
func Run[T any](ctx context.Context, g *Group, namespace, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	v, _, err := g.Do(ctx, namespace, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}
