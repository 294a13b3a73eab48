// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package timeout defines flexible policies for setting HTTP timeouts
// on the attempts a request makes during its lifecycle, including on
// retries. A generic interface for timeout policies is provided,
// Policy, along with several useful policy generating functions and
// built-in policies.
package timeout
