// Copyright 2017 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"fmt"
	"net/http"
	"sort"

	"go.starlark.net/starlark"
)

// httpRequest is a Starlark value that wraps the request being served.
type httpRequest struct{ req *http.Request }

var _ starlark.HasAttrs = httpRequest{}

func (r httpRequest) Attr(name string) (starlark.Value, error) {
	switch name {
	case "query":
		query := new(starlark.Dict)
		keys := make([]string, 0, len(r.req.URL.Query()))
		for k := range r.req.URL.Query() {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := query.SetKey(starlark.String(k), starlark.String(r.req.URL.Query().Get(k))); err != nil {
				return nil, err
			}
		}
		return query, nil
	case "url":
		return starlark.String(r.req.URL.Path), nil
	case "method":
		return starlark.String(r.req.Method), nil
	case "remote_addr":
		return starlark.String(r.req.RemoteAddr), nil
	}
	return nil, nil
}

func (r httpRequest) AttrNames() []string {
	return []string{"method", "query", "remote_addr", "url"}
}
func (r httpRequest) Freeze()               {}
func (r httpRequest) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: http.request") }
func (r httpRequest) String() string        { return fmt.Sprintf("<http.request %s %s>", r.req.Method, r.req.URL.Path) }
func (r httpRequest) Type() string          { return "http.request" }
func (r httpRequest) Truth() starlark.Bool  { return true }
