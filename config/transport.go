/***************************************************************
 *
 * Copyright (C) 2025, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package config

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cybergis/hpcsup/param"
)

var (
	// Our global transport that only gets configured once per process
	transport *http.Transport

	onceTransport sync.Once
)

// GetTransport returns the shared HTTP transport used for every call to the
// transfer service and its token endpoint.
func GetTransport() *http.Transport {
	onceTransport.Do(func() {
		setupTransport()
	})
	return transport
}

// ResetTransport drops the shared transport so the next GetTransport picks
// up new parameters.  Intended for unit tests.
func ResetTransport() {
	if transport != nil {
		transport.CloseIdleConnections()
	}
	transport = nil
	onceTransport = sync.Once{}
}

func transportDialer() *net.Dialer {
	dialTimeout := param.Transfer_DialTimeout.GetDuration()
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	return &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}
}

func setupTransport() {
	responseHeaderTimeout := param.Transfer_RequestTimeout.GetDuration()
	if responseHeaderTimeout <= 0 {
		responseHeaderTimeout = time.Minute
	}

	dialer := transportDialer()
	transport = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: responseHeaderTimeout,
	}
}
