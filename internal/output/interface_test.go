// Copyright 2025 SirSeer, LLC
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://mariadb.com/bsl11
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package output

import (
	"bytes"
	"testing"
)

var (
	_ EventWriter = (*Writer)(nil)
	_ EventWriter = Discard
)

func TestWriterImplementsInterface(t *testing.T) {
	buf := &bytes.Buffer{}
	var w EventWriter = NewWriter(buf)

	if err := w.Emit(Event{Type: EventStarted, Target: "fd:3"}); err != nil {
		t.Errorf("Emit() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if buf.Len() == 0 {
		t.Error("Expected data to be written to buffer")
	}
}

func TestDiscard(t *testing.T) {
	if err := Discard.Emit(Event{Type: EventFinished}); err != nil {
		t.Errorf("Discard.Emit() error = %v", err)
	}
	if err := Discard.Close(); err != nil {
		t.Errorf("Discard.Close() error = %v", err)
	}
}
