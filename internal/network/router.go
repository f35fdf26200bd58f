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

package network

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// RouteHandler handles a message whose topic matched a route. params
// holds the pattern's capture groups.
type RouteHandler func(params []string, payload []byte) error

type route struct {
	name    string
	pattern *regexp.Regexp
	depth   int
	handler RouteHandler
}

// Router dispatches topics to handlers by anchored regular expression.
// Deeper patterns are tried first and the first match wins.
type Router struct {
	mutex  sync.RWMutex
	routes []route
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{}
}

// Handle registers handler for topics fully matching pattern
func (r *Router) Handle(name, pattern string, handler RouteHandler) error {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return fmt.Errorf("invalid route %s: %w", name, err)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, existing := range r.routes {
		if existing.name == name {
			return fmt.Errorf("route %s already registered", name)
		}
	}
	r.routes = append(r.routes, route{
		name:    name,
		pattern: re,
		depth:   strings.Count(pattern, "/"),
		handler: handler,
	})
	sort.SliceStable(r.routes, func(i, j int) bool {
		return r.routes[i].depth > r.routes[j].depth
	})
	return nil
}

// Dispatch runs the first route matching topic. It returns the route
// name, or "" when nothing matched.
func (r *Router) Dispatch(topic string, payload []byte) (string, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, rt := range r.routes {
		m := rt.pattern.FindStringSubmatch(topic)
		if m == nil {
			continue
		}
		if err := rt.handler(m[1:], payload); err != nil {
			return rt.name, fmt.Errorf("route %s: %w", rt.name, err)
		}
		return rt.name, nil
	}
	return "", nil
}

// Routes returns route names in match order
func (r *Router) Routes() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, len(r.routes))
	for i, rt := range r.routes {
		names[i] = rt.name
	}
	return names
}
