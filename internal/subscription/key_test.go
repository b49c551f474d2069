// Copyright 2026 fanjia1024
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

package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyOf_OrderIndependent(t *testing.T) {
	a := KeyOf([]string{"600519.SH", "000001.SZ"}, "tick", ModeQuote)
	b := KeyOf([]string{"000001.SZ", "600519.SH"}, "tick", ModeQuote)
	assert.Equal(t, a, b)
}

func TestKeyOf_DedupeAndTrim(t *testing.T) {
	k := KeyOf([]string{" 000001.SZ ", "000001.SZ", "", "600519.SH"}, "1d", ModeQuote)
	assert.Equal(t, []string{"000001.SZ", "600519.SH"}, k.Symbols())
}

func TestKeyOf_DistinctByPeriodAndMode(t *testing.T) {
	base := KeyOf([]string{"000001.SZ"}, "tick", ModeQuote)
	assert.NotEqual(t, base, KeyOf([]string{"000001.SZ"}, "1d", ModeQuote))
	assert.NotEqual(t, base, KeyOf([]string{"000001.SZ"}, "tick", ModeWholeQuote))
}

func TestKeyOf_Empty(t *testing.T) {
	assert.True(t, KeyOf(nil, "tick", ModeQuote).Empty())
	assert.True(t, KeyOf([]string{"", "  "}, "tick", ModeQuote).Empty())
	assert.False(t, KeyOf([]string{"000001.SZ"}, "tick", ModeQuote).Empty())
}
