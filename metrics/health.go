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

package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	// ComponentStatus is the last thing one invocation learned about a
	// remote service.
	ComponentStatus struct {
		Status  HealthStatusEnum
		Message string
		Updated time.Time
	}

	// HealthStatus is a snapshot of every component touched so far.
	HealthStatus struct {
		Overall    HealthStatusEnum
		Components map[HealthStatusComponent]ComponentStatus
	}

	HealthStatusEnum int

	HealthStatusComponent string
)

// Ordered worst first so the overall status is the minimum.
const (
	StatusCritical HealthStatusEnum = iota + 1
	StatusWarning
	StatusOK
	StatusUnknown
)

const statusIndexErrorMessage = "Error: status string index out of range"

const (
	TransferService HealthStatusComponent = "transfer-service"
	HPCConnection   HealthStatusComponent = "hpc-connection"
	JobScheduler    HealthStatusComponent = "job-scheduler"
)

var (
	healthLock sync.Mutex
	components = make(map[HealthStatusComponent]ComponentStatus)

	ComponentHealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hpcsup_component_health_status",
		Help: "Health of the remote services used by an invocation (1 critical, 2 warning, 3 ok)",
	}, []string{"component"})

	ComponentHealthLastUpdate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hpcsup_component_health_status_last_update",
		Help: "Unix time of the last health change of a component",
	}, []string{"component"})
)

func (status HealthStatusEnum) String() string {
	switch status {
	case StatusCritical:
		return "critical"
	case StatusWarning:
		return "warning"
	case StatusOK:
		return "ok"
	case StatusUnknown:
		return "unknown"
	}
	return statusIndexErrorMessage
}

func (component HealthStatusComponent) String() string {
	return string(component)
}

// SetComponentHealthStatus records the latest view of a remote component.
// A poll loop that keeps failing reports StatusWarning; a terminal failure
// reports StatusCritical.
func SetComponentHealthStatus(name HealthStatusComponent, state HealthStatusEnum, msg string) {
	healthLock.Lock()
	components[name] = ComponentStatus{Status: state, Message: msg, Updated: time.Now()}
	healthLock.Unlock()

	ComponentHealthStatus.WithLabelValues(name.String()).Set(float64(state))
	ComponentHealthLastUpdate.WithLabelValues(name.String()).SetToCurrentTime()
}

func DeleteComponentHealthStatus(name HealthStatusComponent) {
	healthLock.Lock()
	defer healthLock.Unlock()
	delete(components, name)
	ComponentHealthStatus.DeleteLabelValues(name.String())
	ComponentHealthLastUpdate.DeleteLabelValues(name.String())
}

// GetHealthStatus copies the recorded components; Overall is the worst of
// them, or StatusUnknown when nothing was recorded.
func GetHealthStatus() HealthStatus {
	healthLock.Lock()
	defer healthLock.Unlock()

	status := HealthStatus{Overall: StatusUnknown, Components: make(map[HealthStatusComponent]ComponentStatus, len(components))}
	for name, component := range components {
		status.Components[name] = component
		if component.Status < status.Overall {
			status.Overall = component.Status
		}
	}
	return status
}

// String renders the snapshot on one line for the exit log, e.g.
// "warning: hpc-connection=warning (connection reset) job-scheduler=ok".
func (h HealthStatus) String() string {
	names := make([]string, 0, len(h.Components))
	for name := range h.Components {
		names = append(names, name.String())
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(h.Overall.String())
	sb.WriteByte(':')
	for _, name := range names {
		component := h.Components[HealthStatusComponent(name)]
		fmt.Fprintf(&sb, " %s=%s", name, component.Status)
		if component.Message != "" {
			fmt.Fprintf(&sb, " (%s)", component.Message)
		}
	}
	return sb.String()
}
