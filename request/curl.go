// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package request

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/gogama/flight/transport"
)

// curlDescription renders the last wire request as a curl command. The
// output is meant for humans debugging a request, not for the shell:
// quoting is best-effort.
func (r *Request) curlDescription() string {
	var wire *http.Request
	var cred *transport.Credential
	r.state.Read(func(s mutableState) {
		if n := len(s.requests); n > 0 {
			wire = s.requests[n-1]
		}
		cred = s.credential
	})
	if wire == nil || wire.URL == nil {
		return "$ curl command could not be created"
	}

	components := []string{"$ curl -v"}
	components = append(components, "-X "+wire.Method)
	if cred != nil {
		components = append(components, fmt.Sprintf("-u %s:%s", cred.Username, cred.Password))
	}

	headers := make(http.Header)
	for key, values := range r.delegate.DefaultHeaders() {
		headers[http.CanonicalHeaderKey(key)] = values
	}
	for key, values := range wire.Header {
		headers[key] = values
	}
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, value := range headers[key] {
			value = strings.ReplaceAll(value, `"`, `\"`)
			components = append(components, fmt.Sprintf("-H \"%s: %s\"", key, value))
		}
	}

	if wire.GetBody != nil {
		if body, err := wire.GetBody(); err == nil {
			data, rerr := io.ReadAll(body)
			body.Close()
			if rerr == nil && len(data) > 0 {
				escaped := strings.ReplaceAll(string(data), `\`, `\\`)
				escaped = strings.ReplaceAll(escaped, `"`, `\"`)
				components = append(components, fmt.Sprintf("-d \"%s\"", escaped))
			}
		}
	}

	components = append(components, fmt.Sprintf("\"%s\"", wire.URL.String()))
	return strings.Join(components, " \\\n\t")
}
