package tui

import (
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
)

type rulesChangedMsg struct{}

type watchErrMsg struct{ err error }

func newRulesWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// isPolicyFile matches committed policy files; temporaries and the lock are
// ignored.
func isPolicyFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, "policy-") && strings.HasSuffix(base, ".yaml")
}

// waitForRulesChange blocks until a policy file changes. The returned
// message is answered with another waitForRulesChange.
func waitForRulesChange(w *fsnotify.Watcher) tea.Cmd {
	if w == nil {
		return nil
	}
	return func() tea.Msg {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return nil
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 && isPolicyFile(ev.Name) {
					return rulesChangedMsg{}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return nil
				}
				return watchErrMsg{err: err}
			}
		}
	}
}
