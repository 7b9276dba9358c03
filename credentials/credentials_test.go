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

package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/cybergis/hpcsup/param"
)

func TestAccessTokenWins(t *testing.T) {
	ts, err := Settings{AccessToken: "static", RefreshToken: "ignored"}.TokenSource(context.Background(), nil)
	require.NoError(t, err)
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "static", tok.AccessToken)
}

func TestRefreshTokenExchange(t *testing.T) {
	var exchanges atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-abc", r.Form.Get("refresh_token"))
		assert.Equal(t, "client-123", r.Form.Get("client_id"))
		exchanges.Inc()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "fresh",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	settings := Settings{TokenURL: server.URL, ClientID: "client-123", RefreshToken: "refresh-abc"}
	ts, err := settings.TokenSource(context.Background(), server.Client())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		tok, err := ts.Token()
		require.NoError(t, err)
		assert.Equal(t, "fresh", tok.AccessToken)
	}
	assert.EqualValues(t, 1, exchanges.Load())
}

func TestMissingCredentials(t *testing.T) {
	_, err := Settings{}.TokenSource(context.Background(), nil)
	assert.Error(t, err)
	_, err = Settings{RefreshToken: "r", TokenURL: "https://auth"}.TokenSource(context.Background(), nil)
	assert.Error(t, err)
}

func TestSettingsFromParamsReadsFiles(t *testing.T) {
	require.NoError(t, param.Reset())
	t.Cleanup(func() { require.NoError(t, param.Reset()) })

	dir := t.TempDir()
	clientFile := filepath.Join(dir, "client_id")
	refreshFile := filepath.Join(dir, "refresh_token")
	require.NoError(t, os.WriteFile(clientFile, []byte("client-from-file\n"), 0600))
	require.NoError(t, os.WriteFile(refreshFile, []byte("  refresh-from-file  "), 0600))

	require.NoError(t, param.MultiSet(map[string]interface{}{
		"Transfer.ClientIDFile":     clientFile,
		"Transfer.RefreshTokenFile": refreshFile,
		"Transfer.TokenURL":         "https://auth.example.org/token",
	}))
	settings, err := SettingsFromParams()
	require.NoError(t, err)
	assert.Equal(t, "client-from-file", settings.ClientID)
	assert.Equal(t, "refresh-from-file", settings.RefreshToken)
	assert.Equal(t, "https://auth.example.org/token", settings.TokenURL)

	emptyFile := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(emptyFile, nil, 0600))
	require.NoError(t, param.Set("Transfer.RefreshTokenFile", emptyFile))
	_, err = SettingsFromParams()
	assert.Error(t, err)
}
