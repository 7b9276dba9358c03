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

var (
	ConfigDir                    = StringParam{"ConfigDir"}
	Logging_Level                = StringParam{"Logging.Level"}
	Logging_LogLocation          = StringParam{"Logging.LogLocation"}
	Metrics_TextfilePath         = StringParam{"Metrics.TextfilePath"}
	Transfer_BaseURL             = StringParam{"Transfer.BaseURL"}
	Transfer_TokenURL            = StringParam{"Transfer.TokenURL"}
	Transfer_ClientID            = StringParam{"Transfer.ClientID"}
	Transfer_ClientIDFile        = StringParam{"Transfer.ClientIDFile"}
	Transfer_RefreshToken        = StringParam{"Transfer.RefreshToken"}
	Transfer_RefreshTokenFile    = StringParam{"Transfer.RefreshTokenFile"}
	Transfer_AccessToken         = StringParam{"Transfer.AccessToken"}
	Transfer_SyncLevel           = StringParam{"Transfer.SyncLevel"}
	Transfer_SourceEndpoint      = StringParam{"Transfer.SourceEndpoint"}
	Transfer_DestinationEndpoint = StringParam{"Transfer.DestinationEndpoint"}
	SSH_KnownHostsFile           = StringParam{"SSH.KnownHostsFile"}
	SSH_User                     = StringParam{"SSH.User"}
	SSH_PrivateKeyFile           = StringParam{"SSH.PrivateKeyFile"}
)

var (
	Debug                 = BoolParam{"Debug"}
	Job_UnknownIsComplete = BoolParam{"Job.UnknownIsComplete"}
	SSH_AutoAddHostKey    = BoolParam{"SSH.AutoAddHostKey"}
)

var (
	Retry_MaxAttempts        = IntParam{"Retry.MaxAttempts"}
	Transfer_MaxPollFailures = IntParam{"Transfer.MaxPollFailures"}
	Job_MaxStatusFailures    = IntParam{"Job.MaxStatusFailures"}
	SSH_Port                 = IntParam{"SSH.Port"}
)

var (
	Retry_Multiplier           = FloatParam{"Retry.Multiplier"}
	Transfer_RequestsPerSecond = FloatParam{"Transfer.RequestsPerSecond"}
)

var (
	Retry_Delay             = DurationParam{"Retry.Delay"}
	Retry_MaxDelay          = DurationParam{"Retry.MaxDelay"}
	Transfer_DialTimeout    = DurationParam{"Transfer.DialTimeout"}
	Transfer_PollInterval   = DurationParam{"Transfer.PollInterval"}
	Transfer_RequestTimeout = DurationParam{"Transfer.RequestTimeout"}
	Job_StatusPollInterval  = DurationParam{"Job.StatusPollInterval"}
	SSH_ConnectTimeout      = DurationParam{"SSH.ConnectTimeout"}
)

var (
	Machines = ObjectParam{"Machines"}
)

// allParameterNames lists every scalar parameter so that environment
// overrides can be bound up front.
var allParameterNames = []string{
	"ConfigDir",
	"Debug",
	"Job.MaxStatusFailures",
	"Job.StatusPollInterval",
	"Job.UnknownIsComplete",
	"Logging.Level",
	"Logging.LogLocation",
	"Metrics.TextfilePath",
	"Retry.Delay",
	"Retry.MaxAttempts",
	"Retry.MaxDelay",
	"Retry.Multiplier",
	"SSH.AutoAddHostKey",
	"SSH.ConnectTimeout",
	"SSH.KnownHostsFile",
	"SSH.Port",
	"SSH.PrivateKeyFile",
	"SSH.User",
	"Transfer.AccessToken",
	"Transfer.BaseURL",
	"Transfer.ClientID",
	"Transfer.ClientIDFile",
	"Transfer.DestinationEndpoint",
	"Transfer.DialTimeout",
	"Transfer.MaxPollFailures",
	"Transfer.PollInterval",
	"Transfer.RefreshToken",
	"Transfer.RefreshTokenFile",
	"Transfer.RequestTimeout",
	"Transfer.RequestsPerSecond",
	"Transfer.SourceEndpoint",
	"Transfer.SyncLevel",
	"Transfer.TokenURL",
}
