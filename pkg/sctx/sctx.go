// Package sctx provides convenience methods for context
// value injection and extraction.
package sctx

import (
	"context"
	"math/big"
)

type (
	HTTPRequestIDKey struct{}
	requestHostKey   struct{}
	gasPriceKey      struct{}
	gasLimitKey      struct{}
	heldLocksKey     struct{}
)

// SetHost sets the http request host in the context.
func SetHost(ctx context.Context, domain string) context.Context {
	return context.WithValue(ctx, requestHostKey{}, domain)
}

// GetHost gets the request host from the context.
func GetHost(ctx context.Context) string {
	v, ok := ctx.Value(requestHostKey{}).(string)
	if ok {
		return v
	}
	return ""
}

func SetGasLimit(ctx context.Context, limit uint64) context.Context {
	return context.WithValue(ctx, gasLimitKey{}, limit)
}

func GetGasLimit(ctx context.Context) uint64 {
	v, ok := ctx.Value(gasLimitKey{}).(uint64)
	if ok {
		return v
	}
	return 0
}

func SetGasPrice(ctx context.Context, price *big.Int) context.Context {
	return context.WithValue(ctx, gasPriceKey{}, price)
}

func GetGasPrice(ctx context.Context) *big.Int {
	v, ok := ctx.Value(gasPriceKey{}).(*big.Int)
	if ok {
		return v
	}
	return nil
}

// SetLockHeld marks a lock key as already held by the current call chain, so
// nested operations on the same key do not deadlock acquiring it again.
func SetLockHeld(ctx context.Context, key string) context.Context {
	held := heldLocks(ctx)
	next := make(map[string]struct{}, len(held)+1)
	for k := range held {
		next[k] = struct{}{}
	}
	next[key] = struct{}{}
	return context.WithValue(ctx, heldLocksKey{}, next)
}

// IsLockHeld reports whether the current call chain already holds key.
func IsLockHeld(ctx context.Context, key string) bool {
	_, ok := heldLocks(ctx)[key]
	return ok
}

func heldLocks(ctx context.Context) map[string]struct{} {
	v, ok := ctx.Value(heldLocksKey{}).(map[string]struct{})
	if ok {
		return v
	}
	return nil
}
