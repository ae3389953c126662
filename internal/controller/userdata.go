// Copyright 2025 Spotmgr Contributors
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

package controller

import (
	"fmt"
	"regexp"
	"strings"
)

// Macro names the reconciler always provides to userdata templates.
const (
	MacroPoolID    = "EC2SPOTMANAGER_POOLID"
	MacroCycleTime = "EC2SPOTMANAGER_CYCLETIME"
)

// userdata macros look like @EC2SPOTMANAGER_POOLID@. Lowercase @...@ text
// (mail addresses, decorators in embedded scripts) is not treated as a macro.
var macroPattern = regexp.MustCompile(`@([A-Z][A-Z0-9_]*)@`)

// RenderUserData substitutes @NAME@ macro tags in a userdata template. Every
// macro tag in the template must have a value; a tag without one is a
// configuration error.
func RenderUserData(data []byte, macros map[string]string) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var unresolved []string
	rendered := macroPattern.ReplaceAllFunc(data, func(tag []byte) []byte {
		name := string(tag[1 : len(tag)-1])
		value, ok := macros[name]
		if !ok {
			unresolved = append(unresolved, name)
			return tag
		}
		return []byte(value)
	})
	if len(unresolved) > 0 {
		return nil, fmt.Errorf("userdata references undefined macros: %s", strings.Join(unresolved, ", "))
	}
	return rendered, nil
}
