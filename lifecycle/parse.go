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

package lifecycle

import (
	"strings"

	"github.com/grafana/regexp"
	"github.com/pkg/errors"
)

type DirectiveKind string

const (
	KindEvent DirectiveKind = "event"
	KindVar   DirectiveKind = "var"
	KindKey   DirectiveKind = "key"
)

// Directive is one parsed protocol line.
type Directive struct {
	Kind DirectiveKind `json:"kind"`
	// Name is the output name for @var lines and the key for @key lines.
	Name    string `json:"name,omitempty"`
	Value   string `json:"value,omitempty"`
	Tag     Tag    `json:"tag,omitempty"`
	Message string `json:"message,omitempty"`
}

var directivePattern = regexp.MustCompile(`^@([A-Za-z0-9_.\-]+)=\[(.*)\]$`)

// ErrNotDirective is returned by Parse for lines that are not part of the
// protocol (ordinary program output).
var ErrNotDirective = errors.New("not a lifecycle directive")

// Parse reads one protocol line back into a Directive.
func Parse(line string) (Directive, error) {
	line = strings.TrimRight(line, "\r\n")
	match := directivePattern.FindStringSubmatch(line)
	if match == nil {
		return Directive{}, ErrNotDirective
	}
	name, payload := match[1], match[2]

	switch name {
	case "event":
		tag, message, _ := strings.Cut(payload, ":")
		return Directive{
			Kind:    KindEvent,
			Tag:     Tag(strings.TrimSpace(tag)),
			Message: strings.TrimPrefix(message, " "),
		}, nil
	case "var":
		varName, value, found := strings.Cut(payload, ":")
		if !found {
			return Directive{}, errors.Errorf("malformed @var directive %q", line)
		}
		return Directive{Kind: KindVar, Name: varName, Value: value}, nil
	default:
		return Directive{Kind: KindKey, Name: name, Value: payload}, nil
	}
}

// ParseEvents groups a stream of directives into events: every @var line is
// attached to the next @event line.  @key lines and trailing @var lines
// without an event are returned separately.
func ParseEvents(lines []string) (events []Event, keys []Directive) {
	var pending []Output
	for _, line := range lines {
		directive, err := Parse(line)
		if err != nil {
			continue
		}
		switch directive.Kind {
		case KindVar:
			pending = append(pending, Output{Name: directive.Name, Value: directive.Value})
		case KindEvent:
			events = append(events, Event{Tag: directive.Tag, Message: directive.Message, Outputs: pending})
			pending = nil
		default:
			keys = append(keys, directive)
		}
	}
	for _, output := range pending {
		keys = append(keys, Directive{Kind: KindVar, Name: output.Name, Value: output.Value})
	}
	return
}
