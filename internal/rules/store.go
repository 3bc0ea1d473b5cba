package rules

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/proxy-audit/proxy-audit/pkg/model"
)

const (
	DefaultLockTimeout = 5 * time.Second

	journalFileName = ".commit"
	storeHeader     = "# managed by proxy-audit, edit with `proxy-audit rule add`"
)

// Store persists the three policy sets as policy-<policy>.yaml files in one
// directory. Writers hold an exclusive flock on the directory's .lock file
// for the whole read-modify-commit sequence. A commit writes every new file
// to a temporary name, records the pending renames in a journal and only
// then renames, so readers always see either the old or the new state.
type Store struct {
	dir         string
	lockTimeout time.Duration
	log         zerolog.Logger

	// beforeRename runs before the i-th rename of a commit; tests use it to
	// interrupt a commit midway.
	beforeRename func(i int) error
}

type Option func(*Store)

func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Change describes one assignment. From is empty when the name was
// unassigned.
type Change struct {
	Name string       `json:"name"`
	From model.Policy `json:"from,omitempty"`
	To   model.Policy `json:"to"`
}

func (c Change) Changed() bool { return c.From != c.To }

type policyDoc struct {
	Processes []string `yaml:"processes"`
}

type journal struct {
	ID      string   `yaml:"id"`
	Renames []rename `yaml:"renames"`
}

type rename struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Open prepares a store rooted at dir, creating the directory if needed.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("rules: empty store directory")
	}
	s := &Store{
		dir:         dir,
		lockTimeout: DefaultLockTimeout,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrPersist, dir, err)
	}
	return s, nil
}

func (s *Store) Dir() string { return s.dir }

func policyFileName(p model.Policy) string {
	return "policy-" + p.Slug() + ".yaml"
}

// Load returns the committed state. An interrupted commit is resolved in
// memory without touching the files.
func (s *Store) Load(ctx context.Context) (State, error) {
	l, err := s.acquire(ctx, false)
	if err != nil {
		return State{}, err
	}
	defer l.release()
	return s.read()
}

// Assign moves name into p and commits the result. Assigning a name to the
// set it already belongs to performs no writes.
func (s *Store) Assign(ctx context.Context, name string, p model.Policy) (Change, error) {
	changes, _, err := s.assignAll(ctx, []string{name}, p)
	if err != nil {
		return Change{}, err
	}
	return changes[0], nil
}

// Preview computes the state Assign would commit without writing it.
func (s *Store) Preview(ctx context.Context, name string, p model.Policy) (State, Change, error) {
	name, err := ValidateName(name)
	if err != nil {
		return State{}, Change{}, err
	}
	cur, err := s.Load(ctx)
	if err != nil {
		return State{}, Change{}, err
	}
	next, from := cur.Assign(name, p)
	return next, Change{Name: name, From: from, To: p}, nil
}

// Import assigns every process name found in a rule file of format f to p
// in one commit.
func (s *Store) Import(ctx context.Context, f Format, p model.Policy, data []byte) ([]Change, error) {
	parsed, err := ParseRules(f, data)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, n := range parsed {
		valid, err := ValidateName(n)
		if err != nil {
			s.log.Warn().Err(err).Msg("skipping imported rule")
			continue
		}
		if !slices.Contains(names, valid) {
			names = append(names, valid)
		}
	}
	if len(names) == 0 {
		return nil, nil
	}
	changes, _, err := s.assignAll(ctx, names, p)
	return changes, err
}

func (s *Store) assignAll(ctx context.Context, names []string, p model.Policy) ([]Change, State, error) {
	valid := make([]string, 0, len(names))
	for _, n := range names {
		v, err := ValidateName(n)
		if err != nil {
			return nil, State{}, err
		}
		valid = append(valid, v)
	}

	l, err := s.acquire(ctx, true)
	if err != nil {
		return nil, State{}, err
	}
	defer l.release()

	if err := s.recover(); err != nil {
		return nil, State{}, err
	}
	cur, err := s.read()
	if err != nil {
		return nil, State{}, err
	}

	next := cur
	changes := make([]Change, 0, len(valid))
	for _, n := range valid {
		var from model.Policy
		next, from = next.Assign(n, p)
		changes = append(changes, Change{Name: n, From: from, To: p})
	}
	if next.Equal(cur) {
		s.log.Debug().Strs("names", valid).Str("policy", string(p)).Msg("assignment unchanged")
		return changes, next, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, State{}, err
	}
	if err := s.commit(next); err != nil {
		return nil, State{}, err
	}
	for _, c := range changes {
		s.log.Info().Str("name", c.Name).Str("from", string(c.From)).Str("to", string(c.To)).Msg("assigned")
	}
	return changes, next, nil
}

func (s *Store) read() (State, error) {
	j, err := s.readJournal()
	if err != nil {
		return State{}, err
	}
	sets := make(map[model.Policy][]string, 3)
	for _, p := range model.Policies() {
		path := filepath.Join(s.dir, policyFileName(p))
		if j != nil {
			if tmp := j.pending(policyFileName(p)); tmp != "" && exists(filepath.Join(s.dir, tmp)) {
				path = filepath.Join(s.dir, tmp)
			}
		}
		names, err := readPolicyFile(path)
		if err != nil {
			return State{}, err
		}
		sets[p] = names
	}
	return normalize(sets), nil
}

func readPolicyFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrPersist, path, err)
	}
	var doc policyDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrPersist, path, err)
	}
	return doc.Processes, nil
}

func encodePolicyFile(names []string) ([]byte, error) {
	doc := policyDoc{Processes: names}
	if doc.Processes == nil {
		doc.Processes = []string{}
	}
	var buf bytes.Buffer
	buf.WriteString(storeHeader + "\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Store) commit(next State) error {
	id := uuid.NewString()
	j := journal{ID: id}
	for _, p := range model.Policies() {
		data, err := encodePolicyFile(next.Members(p))
		if err != nil {
			s.removeTemps(j)
			return fmt.Errorf("%w: encode %s: %v", ErrPersist, p, err)
		}
		tmp := fmt.Sprintf(".%s.%s.tmp", policyFileName(p), id)
		j.Renames = append(j.Renames, rename{From: tmp, To: policyFileName(p)})
		if err := writeFileSync(filepath.Join(s.dir, tmp), data); err != nil {
			s.removeTemps(j)
			return fmt.Errorf("%w: %v", ErrPersist, err)
		}
	}

	if err := s.writeJournal(j); err != nil {
		s.removeTemps(j)
		return fmt.Errorf("%w: write journal: %v", ErrPersist, err)
	}

	// From here on the journal makes the commit durable: a failure leaves
	// it in place for the next writer to roll forward.
	if err := s.applyJournal(&j); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

func (s *Store) applyJournal(j *journal) error {
	for i, r := range j.Renames {
		if s.beforeRename != nil {
			if err := s.beforeRename(i); err != nil {
				return err
			}
		}
		src := filepath.Join(s.dir, r.From)
		if !exists(src) {
			continue
		}
		if err := os.Rename(src, filepath.Join(s.dir, r.To)); err != nil {
			return fmt.Errorf("rename %s: %w", r.From, err)
		}
	}
	s.syncDir()
	if err := os.Remove(filepath.Join(s.dir, journalFileName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove journal: %w", err)
	}
	s.syncDir()
	return nil
}

// recover finishes a commit interrupted after its journal was written and
// removes temporaries of commits interrupted before that point. Callers hold
// the exclusive lock.
func (s *Store) recover() error {
	j, err := s.readJournal()
	if err != nil {
		return err
	}
	if j != nil {
		s.log.Warn().Str("commit", j.ID).Msg("completing interrupted commit")
		if err := s.applyJournal(j); err != nil {
			return fmt.Errorf("%w: recover: %v", ErrPersist, err)
		}
	}
	stale, _ := filepath.Glob(filepath.Join(s.dir, ".policy-*.tmp"))
	stale = append(stale, filepath.Join(s.dir, journalFileName+".tmp"))
	for _, path := range stale {
		if !exists(path) {
			continue
		}
		s.log.Debug().Str("path", path).Msg("removing stale temporary")
		os.Remove(path)
	}
	return nil
}

func (s *Store) readJournal() (*journal, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, journalFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read journal: %v", ErrPersist, err)
	}
	var j journal
	if err := yaml.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: parse journal: %v", ErrPersist, err)
	}
	return &j, nil
}

func (s *Store) writeJournal(j journal) error {
	data, err := yaml.Marshal(j)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(s.dir, journalFileName), data)
}

func (s *Store) removeTemps(j journal) {
	for _, r := range j.Renames {
		os.Remove(filepath.Join(s.dir, r.From))
	}
}

func (s *Store) syncDir() {
	d, err := os.Open(s.dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		s.log.Debug().Err(err).Msg("directory sync")
	}
}

func (j *journal) pending(target string) string {
	for _, r := range j.Renames {
		if r.To == target {
			return r.From
		}
	}
	return ""
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeAtomic replaces path with data through a temporary file in the same
// directory.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := writeFileSync(tmp, data); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
