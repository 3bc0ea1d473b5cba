package rules

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

func openStore(t *testing.T, dir string, opts ...Option) *Store {
	t.Helper()
	s, err := Open(dir, opts...)
	require.NoError(t, err)
	return s
}

func load(t *testing.T, s *Store) State {
	t.Helper()
	st, err := s.Load(context.Background())
	require.NoError(t, err)
	return st
}

func TestAssignMovesBetweenSets(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	ctx := context.Background()

	c, err := s.Assign(ctx, "Chrome", model.PolicyDirect)
	require.NoError(t, err)
	assert.Equal(t, Change{Name: "Chrome", To: model.PolicyDirect}, c)
	assert.True(t, c.Changed())

	c, err = s.Assign(ctx, "Chrome", model.PolicyProxy)
	require.NoError(t, err)
	assert.Equal(t, model.PolicyDirect, c.From)

	st := load(t, s)
	assert.Empty(t, st.Members(model.PolicyDirect))
	assert.Equal(t, []string{"Chrome"}, st.Members(model.PolicyProxy))

	direct, err := os.ReadFile(filepath.Join(dir, "policy-direct.yaml"))
	require.NoError(t, err)
	assert.NotContains(t, string(direct), "Chrome")
	proxy, err := os.ReadFile(filepath.Join(dir, "policy-proxy.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(proxy), "Chrome")
}

func TestAssignIsIdempotent(t *testing.T) {
	s := openStore(t, t.TempDir())
	ctx := context.Background()

	_, err := s.Assign(ctx, "Telegram", model.PolicyProxy)
	require.NoError(t, err)

	s.beforeRename = func(int) error { return errors.New("unexpected write") }
	c, err := s.Assign(ctx, "Telegram", model.PolicyProxy)
	require.NoError(t, err)
	assert.False(t, c.Changed())

	st := load(t, s)
	assert.Equal(t, []string{"Telegram"}, st.Members(model.PolicyProxy))
	assert.Equal(t, 1, st.Len())
}

func TestSetsStayDisjoint(t *testing.T) {
	s := openStore(t, t.TempDir())
	ctx := context.Background()
	names := []string{"Chrome", "Telegram", "curl", "Slack", "Google Chrome Helper"}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 40; i++ {
		name := names[rng.Intn(len(names))]
		p := model.Policies()[rng.Intn(3)]
		_, err := s.Assign(ctx, name, p)
		require.NoError(t, err)
	}

	st := load(t, s)
	seen := make(map[string]model.Policy)
	for _, p := range model.Policies() {
		for _, n := range st.Members(p) {
			prev, dup := seen[n]
			assert.False(t, dup, "%s in both %s and %s", n, prev, p)
			seen[n] = p
		}
	}
}

func TestAssignKeepsInsertionOrder(t *testing.T) {
	s := openStore(t, t.TempDir())
	ctx := context.Background()
	for _, n := range []string{"b", "a", "c"} {
		_, err := s.Assign(ctx, n, model.PolicyReject)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"b", "a", "c"}, load(t, s).Members(model.PolicyReject))
}

func TestAssignRejectsInvalidNames(t *testing.T) {
	s := openStore(t, t.TempDir())
	for _, name := range []string{"", "   ", "a,b", "a\nb", "a\rb"} {
		_, err := s.Assign(context.Background(), name, model.PolicyDirect)
		assert.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}
	name, err := ValidateName("  Telegram  ")
	require.NoError(t, err)
	assert.Equal(t, "Telegram", name)
}

func TestInterruptedCommitRollsForward(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	ctx := context.Background()

	_, err := s.Assign(ctx, "Chrome", model.PolicyDirect)
	require.NoError(t, err)

	s.beforeRename = func(i int) error {
		if i == 1 {
			return errors.New("crash")
		}
		return nil
	}
	_, err = s.Assign(ctx, "Chrome", model.PolicyProxy)
	require.ErrorIs(t, err, ErrPersist)
	assert.FileExists(t, filepath.Join(dir, journalFileName))

	// A fresh reader sees the complete new state even though only the
	// first file was renamed.
	st := load(t, openStore(t, dir))
	assert.Empty(t, st.Members(model.PolicyDirect))
	assert.Equal(t, []string{"Chrome"}, st.Members(model.PolicyProxy))

	s.beforeRename = nil
	_, err = s.Assign(ctx, "curl", model.PolicyReject)
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dir, journalFileName))
	temps, _ := filepath.Glob(filepath.Join(dir, ".policy-*.tmp"))
	assert.Empty(t, temps)

	st = load(t, s)
	assert.Equal(t, []string{"Chrome"}, st.Members(model.PolicyProxy))
	assert.Equal(t, []string{"curl"}, st.Members(model.PolicyReject))
	assert.Empty(t, st.Members(model.PolicyDirect))
}

func TestStaleTemporariesWithoutJournalAreIgnored(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	ctx := context.Background()

	_, err := s.Assign(ctx, "Chrome", model.PolicyDirect)
	require.NoError(t, err)

	stale := filepath.Join(dir, ".policy-direct.yaml.deadbeef.tmp")
	require.NoError(t, os.WriteFile(stale, []byte("processes: [Evil]\n"), 0o644))

	assert.Equal(t, []string{"Chrome"}, load(t, s).Members(model.PolicyDirect))

	_, err = s.Assign(ctx, "curl", model.PolicyDirect)
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
	assert.Equal(t, []string{"Chrome", "curl"}, load(t, s).Members(model.PolicyDirect))
}

func TestLoadNormalizesHandEditedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policy-direct.yaml"), []byte("processes: [A, A, \" \"]\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policy-proxy.yaml"), []byte("processes:\n  - A\n  - B\n"), 0o644))

	st := load(t, openStore(t, dir))
	assert.Equal(t, []string{"A"}, st.Members(model.PolicyDirect))
	assert.Equal(t, []string{"B"}, st.Members(model.PolicyProxy))
	assert.Empty(t, st.Members(model.PolicyReject))
}

func TestLoadReportsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policy-reject.yaml"), []byte("processes: [unclosed\n"), 0o644))
	_, err := openStore(t, dir).Load(context.Background())
	assert.ErrorIs(t, err, ErrPersist)
}

func TestAssignTimesOutOnHeldLock(t *testing.T) {
	dir := t.TempDir()
	holder := openStore(t, dir)
	l, err := holder.acquire(context.Background(), true)
	require.NoError(t, err)
	defer l.release()

	s := openStore(t, dir, WithLockTimeout(60*time.Millisecond))
	start := time.Now()
	_, err = s.Assign(context.Background(), "Chrome", model.PolicyDirect)
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = openStore(t, dir).Load(ctx)
	assert.ErrorIs(t, err, ErrLockUnavailable)
}

func TestConcurrentAssignsLoseNothing(t *testing.T) {
	dir := t.TempDir()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			s, err := Open(dir)
			if !assert.NoError(t, err) {
				return
			}
			for i := 0; i < 5; i++ {
				p := model.Policies()[(w+i)%3]
				_, err := s.Assign(context.Background(), fmt.Sprintf("proc-%d-%d", w, i), p)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 20, load(t, openStore(t, dir)).Len())
}

func TestPreviewDoesNotWrite(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	st, c, err := s.Preview(context.Background(), "Telegram", model.PolicyProxy)
	require.NoError(t, err)
	assert.Equal(t, model.PolicyProxy, c.To)
	assert.Equal(t, []string{"Telegram"}, st.Members(model.PolicyProxy))

	for _, p := range model.Policies() {
		assert.NoFileExists(t, filepath.Join(dir, policyFileName(p)))
	}
	assert.Zero(t, load(t, s).Len())
}

func TestImportAssignsProcessNameRules(t *testing.T) {
	s := openStore(t, t.TempDir())
	ctx := context.Background()
	_, err := s.Assign(ctx, "Telegram", model.PolicyDirect)
	require.NoError(t, err)

	list := "# mine\nDOMAIN-SUFFIX,example.com\nPROCESS-NAME,Telegram,PROXY\nPROCESS-NAME,Discord\nPROCESS-NAME,Discord\n"
	changes, err := s.Import(ctx, FormatSurge, model.PolicyProxy, []byte(list))
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, model.PolicyDirect, changes[0].From)

	st := load(t, s)
	assert.Equal(t, []string{"Telegram", "Discord"}, st.Members(model.PolicyProxy))
	assert.Empty(t, st.Members(model.PolicyDirect))

	_, err = s.Import(ctx, FormatQuantumultX, model.PolicyProxy, []byte(list))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestExportAndInit(t *testing.T) {
	s := openStore(t, t.TempDir())
	ctx := context.Background()
	_, err := s.Assign(ctx, "Telegram", model.PolicyProxy)
	require.NoError(t, err)

	out := t.TempDir()
	created, err := s.Init(ctx, FormatSurge, out)
	require.NoError(t, err)
	assert.Len(t, created, 3)
	created, err = s.Init(ctx, FormatSurge, out)
	require.NoError(t, err)
	assert.Empty(t, created)

	_, err = s.Assign(ctx, "curl", model.PolicyDirect)
	require.NoError(t, err)
	paths, err := s.Export(ctx, FormatSurge, out)
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, filepath.Join(out, "rules-direct.list"), paths[0])

	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	names, err := ParseRules(FormatSurge, data)
	require.NoError(t, err)
	assert.Equal(t, []string{"curl"}, names)

	_, err = s.Export(ctx, FormatQuantumultX, out)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	paths, err = s.Export(ctx, FormatSingBox, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), "rules-proxy.json"), paths[1])
}
