package pipeline

import (
	"github.com/sirupsen/logrus"
)

// logHook forwards logrus entries to whichever pipeline is live. Entries
// fired while no pipeline is live are dropped.
type logHook struct {
	m *Manager
}

var _ logrus.Hook = (*logHook)(nil)

// LogHook returns a logrus hook bound to this manager. Add it once to the
// root logger; it follows the manager through restarts.
func (m *Manager) LogHook() logrus.Hook {
	return &logHook{m: m}
}

func (h *logHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *logHook) Fire(entry *logrus.Entry) error {
	hook := h.m.hook.Load()
	if hook == nil {
		return nil
	}

	return hook.Fire(entry)
}
