// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"sync"

	"github.com/rs/zerolog"
	"sprinklers/internal/logger"
)

// Manager tracks the open sessions of a server
type Manager struct {
	deps     Dependencies
	logger   zerolog.Logger
	mutex    sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a manager whose sessions share deps
func NewManager(deps Dependencies) *Manager {
	return &Manager{
		deps:     deps,
		logger:   logger.GetLogger("sessions"),
		sessions: make(map[string]*Session),
	}
}

// Open starts a session on conn
func (m *Manager) Open(conn Conn) *Session {
	s := New(conn, m.deps)
	s.onClose = m.remove

	m.mutex.Lock()
	m.sessions[s.ID()] = s
	count := len(m.sessions)
	m.mutex.Unlock()

	m.logger.Info().Str("session_id", s.ID()).Int("sessions", count).Msg("Session opened")
	return s
}

func (m *Manager) remove(s *Session) {
	m.mutex.Lock()
	delete(m.sessions, s.ID())
	m.mutex.Unlock()
}

// Get returns the session with id
func (m *Manager) Get(id string) (*Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of open sessions
func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}

// CloseAll closes every open session
func (m *Manager) CloseAll() {
	m.mutex.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mutex.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
	m.logger.Info().Int("sessions", len(sessions)).Msg("Closed all sessions")
}
