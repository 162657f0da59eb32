package sshlaunch

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBootstrapLineTLS(t *testing.T) {
	info, err := parseBootstrapLine("RCP_TLS 127.0.0.1:4000 " + "ab"+"cd")
	require.NoError(t, err)
	assert.True(t, info.TLS)
	assert.Equal(t, "127.0.0.1:4000", info.Addr)
	assert.Equal(t, "abcd", info.Fingerprint)
}

func TestParseBootstrapLineTCP(t *testing.T) {
	info, err := parseBootstrapLine("RCP_TCP 127.0.0.1:4000")
	require.NoError(t, err)
	assert.False(t, info.TLS)
	assert.Equal(t, "127.0.0.1:4000", info.Addr)
	assert.Equal(t, "", info.Fingerprint)
}

func TestParseBootstrapLineRejectsGarbage(t *testing.T) {
	_, err := parseBootstrapLine("not a bootstrap line at all here")
	assert.Error(t, err)
	_, err = parseBootstrapLine("RCP_TLS 127.0.0.1:4000")
	assert.Error(t, err)
	_, err = parseBootstrapLine("junk")
	assert.Error(t, err)
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	assert.Equal(t, `'plain'`, shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestTargetDedupKey(t *testing.T) {
	a := Target{User: "alice", Host: "example.com"}
	b := Target{User: "alice", Host: "example.com", Port: "22"}
	assert.Equal(t, a.dedupKey(), a.dedupKey())
	assert.Equal(t, "alice@example.com:22", b.dedupKey())
}

func TestSessionLockSerializesSameID(t *testing.T) {
	var wg sync.WaitGroup
	lock := newSessionLock()
	counter := map[string]int{"a": 0, "b": 0}
	const iterations = 50

	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				lock.Lock(id)
				n := counter[id]
				time.Sleep(time.Millisecond)
				counter[id] = n + 1
				lock.Unlock(id)
			}
		}(id)
	}
	wg.Wait()
	assert.Equal(t, iterations, counter["a"])
	assert.Equal(t, iterations, counter["b"])
}

func TestSessionLockPanicsOnUnlockBeforeLock(t *testing.T) {
	lock := newSessionLock()
	assert.PanicsWithValue(t, "sshlaunch: Unlock before Lock", func() {
		lock.Unlock(fmt.Sprintf("id-%d", 1))
	})
}
