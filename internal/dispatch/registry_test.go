package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/service-matching/internal/models"
)

type fakeSession struct {
	id   string
	mu   sync.Mutex
	sent []string
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, event)
	return nil
}

func worker(id string) models.Participant {
	return models.Participant{ID: id, Role: models.RoleWorker, Capabilities: []string{"Electrician"}, Available: true}
}

func TestRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	s := &fakeSession{id: "s1"}
	reg := r.Register(worker("w1"), s)
	assert.Nil(t, reg.Superseded)
	assert.Nil(t, reg.Released)

	got, ok := r.ResolveSession("w1")
	require.True(t, ok)
	assert.Equal(t, "s1", got.ID())

	p, ok := r.ResolveParticipant("s1")
	require.True(t, ok)
	assert.Equal(t, "w1", p.ID)
	assert.Equal(t, models.RoleWorker, p.Role)

	_, ok = r.ResolveSession("nobody")
	assert.False(t, ok)
	_, ok = r.ResolveParticipant("s-unknown")
	assert.False(t, ok)
}

func TestReRegisterSupersedesOldSession(t *testing.T) {
	r := NewRegistry()
	old := &fakeSession{id: "old"}
	cur := &fakeSession{id: "new"}
	r.Register(worker("w1"), old)
	reg := r.Register(worker("w1"), cur)
	require.NotNil(t, reg.Superseded)
	assert.Equal(t, "old", reg.Superseded.ID())

	got, ok := r.ResolveSession("w1")
	require.True(t, ok)
	assert.Equal(t, "new", got.ID())
	_, ok = r.ResolveParticipant("old")
	assert.False(t, ok, "orphaned session must not resolve")

	// stale disconnect must not clobber the newer registration
	_, removed := r.Unregister("old")
	assert.False(t, removed)
	_, ok = r.ResolveSession("w1")
	assert.True(t, ok)

	require.NoError(t, r.Push("w1", "ping", nil))
	assert.Equal(t, []string{"ping"}, cur.sent)
	assert.Empty(t, old.sent)
}

func TestSessionReRegisteringUnderNewIdentityReleasesOld(t *testing.T) {
	r := NewRegistry()
	s := &fakeSession{id: "s1"}
	r.Register(worker("w1"), s)
	reg := r.Register(worker("w2"), s)
	require.NotNil(t, reg.Released)
	assert.Equal(t, "w1", reg.Released.ID)

	_, ok := r.ResolveSession("w1")
	assert.False(t, ok)
	p, ok := r.ResolveParticipant("s1")
	require.True(t, ok)
	assert.Equal(t, "w2", p.ID)
	assert.Equal(t, 1, r.Len())
}

func TestUpdateOnlyFromCurrentSession(t *testing.T) {
	r := NewRegistry()
	old := &fakeSession{id: "old"}
	r.Register(worker("w1"), old)
	r.Register(worker("w1"), &fakeSession{id: "new"})

	_, ok := r.Update("old", func(p *models.Participant) { p.Available = false })
	assert.False(t, ok)

	loc := models.Coord{Lat: 1, Lon: 2}
	p, ok := r.Update("new", func(p *models.Participant) { p.Location = &loc })
	require.True(t, ok)
	require.NotNil(t, p.Location)
	assert.Equal(t, loc, *p.Location)
	assert.True(t, p.Available)
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(worker("w1"), &fakeSession{id: "s1"})
	p, ok := r.Unregister("s1")
	require.True(t, ok)
	assert.Equal(t, "w1", p.ID)
	assert.Equal(t, 0, r.Len())
	assert.ErrorIs(t, r.Push("w1", "x", nil), ErrNoSession)

	_, ok = r.Unregister("s1")
	assert.False(t, ok)
}

func TestConcurrentRegisterLastWriterWins(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := &fakeSession{id: string(rune('a' + i%26)) + string(rune('0'+i/26))}
			r.Register(worker("w1"), s)
		}(i)
	}
	wg.Wait()
	s, ok := r.ResolveSession("w1")
	require.True(t, ok)
	p, ok := r.ResolveParticipant(s.ID())
	require.True(t, ok)
	assert.Equal(t, "w1", p.ID)
	assert.Equal(t, 1, r.Len())
}
