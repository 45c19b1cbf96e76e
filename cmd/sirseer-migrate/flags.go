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

package main

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/sirseerhq/sirseer-migrate/internal/config"
)

// byteSize is a flag holding a byte count written as "32MiB", "1g" or a
// plain number. The text is kept so it can stand in for a config value.
type byteSize struct {
	text  string
	value int64
	parse func(string) (int64, error)
}

var _ pflag.Value = (*byteSize)(nil)

func newBandwidthFlag() *byteSize {
	return &byteSize{parse: config.ParseBandwidth}
}

func newSizeFlag() *byteSize {
	return &byteSize{parse: config.ParseSize}
}

func (b *byteSize) Set(s string) error {
	v, err := b.parse(s)
	if err != nil {
		return err
	}
	b.text, b.value = s, v
	return nil
}

func (b *byteSize) String() string {
	if b == nil || b.text == "" {
		return ""
	}
	return humanize.IBytes(uint64(b.value))
}

func (b *byteSize) Type() string {
	return "bytes"
}

// isSet reports whether the flag was given.
func (b *byteSize) isSet() bool {
	return b.text != ""
}
