package tokenfake

import (
	"context"
	"sync"

	"github.com/jrsteele09/go-ksef-monitor/archive"
	"github.com/jrsteele09/go-ksef-monitor/monitor"
)

var (
	_ monitor.Caller  = (*FakeCredentials)(nil)
	_ archive.Caller  = (*FakeCredentials)(nil)
	_ monitor.Revoker = (*FakeCredentials)(nil)
)

// FakeCredentials hands out a fixed access token without talking to KSeF.
type FakeCredentials struct {
	lock    sync.Mutex
	token   string
	calls   int
	revoked int

	// Err, when set, is returned instead of invoking the callback.
	Err error
}

func NewFakeCredentials(accessToken string) *FakeCredentials {
	return &FakeCredentials{token: accessToken}
}

func (f *FakeCredentials) Call(ctx context.Context, fn func(ctx context.Context, accessToken string) error) error {
	f.lock.Lock()
	f.calls++
	err, tok := f.Err, f.token
	f.lock.Unlock()

	if err != nil {
		return err
	}
	return fn(ctx, tok)
}

func (f *FakeCredentials) Credential(_ context.Context) (string, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	return f.token, nil
}

func (f *FakeCredentials) Revoke(_ context.Context) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.revoked++
}

// Calls counts Call invocations.
func (f *FakeCredentials) Calls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.calls
}

// Revoked counts Revoke invocations.
func (f *FakeCredentials) Revoked() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.revoked
}
