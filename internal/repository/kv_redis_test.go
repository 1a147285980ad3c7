package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type mockRedisKVClient struct {
	data      map[string]string
	scanPages [][]string
	lastMatch string
	err       error
}

func newMockRedisKVClient() *mockRedisKVClient {
	return &mockRedisKVClient{data: make(map[string]string)}
}

func (m *mockRedisKVClient) Get(ctx context.Context, key string) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx, "get", key)
	if m.err != nil {
		cmd.SetErr(m.err)
		return cmd
	}
	v, ok := m.data[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (m *mockRedisKVClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx, "set", key, value)
	if m.err != nil {
		cmd.SetErr(m.err)
		return cmd
	}
	m.data[key] = value.(string)
	cmd.SetVal("OK")
	return cmd
}

// Scan devuelve una página por llamada; el cursor es el índice de la siguiente.
func (m *mockRedisKVClient) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	cmd := redis.NewScanCmd(ctx, nil, "scan", cursor, "match", match)
	m.lastMatch = match
	if m.err != nil {
		cmd.SetErr(m.err)
		return cmd
	}
	if int(cursor) >= len(m.scanPages) {
		cmd.SetVal(nil, 0)
		return cmd
	}
	next := cursor + 1
	if int(next) >= len(m.scanPages) {
		next = 0
	}
	cmd.SetVal(m.scanPages[cursor], next)
	return cmd
}

func TestRedisKV_GetSet(t *testing.T) {
	ctx := context.Background()
	client := newMockRedisKVClient()
	kv := &RedisKV{client: client}

	if _, ok, err := kv.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing key without error, got ok=%v err=%v", ok, err)
	}
	if err := kv.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok, err := kv.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Fatalf("unexpected get result: %q %v %v", v, ok, err)
	}

	client.err = errors.New("connection refused")
	if _, _, err := kv.Get(ctx, "k"); err == nil {
		t.Fatalf("expected backend error")
	}
	if err := kv.Set(ctx, "k", "v"); err == nil {
		t.Fatalf("expected backend error")
	}
}

func TestRedisKV_Keys(t *testing.T) {
	client := newMockRedisKVClient()
	client.scanPages = [][]string{
		{"user:u1:conversation:b:messages"},
		{"user:u1:conversation:a:messages", "user:u1:conversation:a:metadata"},
	}
	kv := &RedisKV{client: client}

	keys, err := kv.Keys(context.Background(), "user:u1:conversation:")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "user:u1:conversation:a:messages,user:u1:conversation:a:metadata,user:u1:conversation:b:messages"
	if strings.Join(keys, ",") != want {
		t.Fatalf("unexpected keys: %v", keys)
	}
	if client.lastMatch != "user:u1:conversation:*" {
		t.Fatalf("unexpected match pattern: %q", client.lastMatch)
	}
}

func TestRedisKV_NotConfigured(t *testing.T) {
	var kv *RedisKV
	if _, _, err := kv.Get(context.Background(), "k"); !errors.Is(err, ErrKVNotConfigured) {
		t.Fatalf("expected ErrKVNotConfigured, got %v", err)
	}
	if NewRedisKV(nil) != nil {
		t.Fatalf("expected nil store for nil client")
	}
}

func TestEscapeRedisPattern(t *testing.T) {
	if got := escapeRedisPattern("user:a*b?[c]"); got != `user:a\*b\?\[c\]` {
		t.Fatalf("unexpected escape: %q", got)
	}
}
