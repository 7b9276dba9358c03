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

package param

import (
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type StringParam struct {
	name string
}

type BoolParam struct {
	name string
}

type IntParam struct {
	name string
}

type FloatParam struct {
	name string
}

type DurationParam struct {
	name string
}

type ObjectParam struct {
	name string
}

var configMutex sync.Mutex

// EnvPrefix is the prefix of every environment variable that overrides a
// parameter, e.g. Retry.MaxAttempts <- HPCSUP_RETRY_MAXATTEMPTS.
const EnvPrefix = "HPCSUP"

// paramNameToEnvVar converts a parameter name (e.g., "Retry.MaxAttempts") to
// its environment variable name (e.g., "HPCSUP_RETRY_MAXATTEMPTS").
func paramNameToEnvVar(paramName string) string {
	envVar := strings.ReplaceAll(paramName, ".", "_")
	return EnvPrefix + "_" + strings.ToUpper(envVar)
}

func (sP StringParam) GetString() string {
	return viper.GetString(sP.name)
}

func (sP StringParam) GetName() string {
	return sP.name
}

func (sP StringParam) IsSet() bool {
	return viper.IsSet(sP.name)
}

func (sP StringParam) GetEnvVarName() string {
	return paramNameToEnvVar(sP.name)
}

func (iP IntParam) GetInt() int {
	return viper.GetInt(iP.name)
}

func (iP IntParam) GetName() string {
	return iP.name
}

func (iP IntParam) IsSet() bool {
	return viper.IsSet(iP.name)
}

func (iP IntParam) GetEnvVarName() string {
	return paramNameToEnvVar(iP.name)
}

func (fP FloatParam) GetFloat() float64 {
	return viper.GetFloat64(fP.name)
}

func (fP FloatParam) GetName() string {
	return fP.name
}

func (fP FloatParam) IsSet() bool {
	return viper.IsSet(fP.name)
}

func (bP BoolParam) GetBool() bool {
	return viper.GetBool(bP.name)
}

func (bP BoolParam) GetName() string {
	return bP.name
}

func (bP BoolParam) IsSet() bool {
	return viper.IsSet(bP.name)
}

func (bP BoolParam) GetEnvVarName() string {
	return paramNameToEnvVar(bP.name)
}

func (dP DurationParam) GetDuration() time.Duration {
	return viper.GetDuration(dP.name)
}

func (dP DurationParam) GetName() string {
	return dP.name
}

func (dP DurationParam) IsSet() bool {
	return viper.IsSet(dP.name)
}

func (dP DurationParam) GetEnvVarName() string {
	return paramNameToEnvVar(dP.name)
}

// Unmarshal decodes an object-valued parameter (e.g. the machine catalog)
// into rawVal using the same decode hooks as scalar parameters.
func (oP ObjectParam) Unmarshal(rawVal any) error {
	raw := viper.Get(oP.name)
	if raw == nil {
		return nil
	}
	return Decode(raw, rawVal)
}

func (oP ObjectParam) GetName() string {
	return oP.name
}

func (oP ObjectParam) IsSet() bool {
	return viper.IsSet(oP.name)
}

// Decode converts loosely-typed configuration data (maps from YAML, strings
// from environment variables) into a typed struct.
func Decode(input any, output any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			stringToSliceHookFunc(),
		),
		MatchName: func(mapKey, fieldName string) bool {
			return strings.EqualFold(mapKey, fieldName)
		},
		Result: output,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create configuration decoder")
	}
	if err := decoder.Decode(input); err != nil {
		return errors.Wrap(err, "failed to decode configuration")
	}
	return nil
}

// stringToSliceHookFunc splits a comma-separated string (as found in an
// environment variable) into a slice.  Empty elements are dropped.
func stringToSliceHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Kind, t reflect.Kind, data interface{}) (interface{}, error) {
		if f != reflect.String || t != reflect.Slice {
			return data, nil
		}

		raw := strings.Trim(data.(string), `"'`)
		if raw == "" {
			return []string{}, nil
		}

		var result []string
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.Trim(strings.TrimSpace(part), `"'`)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result, nil
	}
}

// Set sets a parameter value in viper.  Safe for concurrent use.
func Set(key string, value interface{}) error {
	return MultiSet(map[string]interface{}{key: value})
}

// MultiSet sets multiple parameter values in viper under one lock.
func MultiSet(keyValues map[string]interface{}) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	for key, value := range keyValues {
		viper.Set(key, value)
	}
	return nil
}

// Reset clears every configured value.  Intended for unit tests.
func Reset() error {
	configMutex.Lock()
	defer configMutex.Unlock()

	viper.Reset()
	return nil
}

// BindAllParameters binds every known parameter to its environment variable
// so env-only overrides are visible to viper.AllSettings().
func BindAllParameters(v *viper.Viper) {
	if v == nil {
		return
	}
	for _, key := range allParameterNames {
		_ = v.BindEnv(key, paramNameToEnvVar(key))
	}
}

// AllParameterNames returns the name of every known parameter.
func AllParameterNames() []string {
	out := make([]string, len(allParameterNames))
	copy(out, allParameterNames)
	return out
}
