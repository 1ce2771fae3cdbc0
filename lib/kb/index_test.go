// Copyright 2025 Antfly, Inc.
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

package kb

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribe_SummaryWins(t *testing.T) {
	attrs := []Attribute{
		{Key: "Type", Value: "City"},
		{Key: "Summary", Value: "A Large CITY"},
		{Key: "Country", Value: "China"},
	}
	assert.Equal(t, "a large city", Describe(attrs, DefaultSummaryMarkers))
}

func TestDescribe_ChineseAbstractMarker(t *testing.T) {
	attrs := []Attribute{
		{Key: "外文名", Value: "Beijing"},
		{Key: "摘要", Value: "北京是中国的首都"},
	}
	assert.Equal(t, "北京是中国的首都", Describe(attrs, DefaultSummaryMarkers))
}

func TestDescribe_ConcatenatesWithoutSummary(t *testing.T) {
	attrs := []Attribute{
		{Key: "Type", Value: "City"},
		{Key: "Country", Value: "China"},
	}
	assert.Equal(t, "type:city\ncountry:china\n", Describe(attrs, DefaultSummaryMarkers))
}

func TestDescribe_Truncates(t *testing.T) {
	long := strings.Repeat("名", MaxDescriptionLength+50)
	got := Describe([]Attribute{{Key: "abstract", Value: long}}, DefaultSummaryMarkers)
	assert.Equal(t, MaxDescriptionLength, utf8.RuneCountInString(got))

	got = Describe([]Attribute{{Key: "k", Value: strings.Repeat("AB", 200)}}, DefaultSummaryMarkers)
	assert.Equal(t, MaxDescriptionLength, utf8.RuneCountInString(got))
	assert.True(t, strings.HasPrefix(got, "k:abab"))
}

func TestBuild_AliasIndexInvariant(t *testing.T) {
	idx := Build([]Record{
		{ID: "1", Name: "Apple", Aliases: []string{"apple inc", "APPLE"}, Attributes: []Attribute{{Key: "summary", Value: "company"}}},
		{ID: "2", Name: "apple", Attributes: []Attribute{{Key: "summary", Value: "fruit"}}},
		{ID: "3", Name: "Pear", Attributes: nil},
	})

	assert.Equal(t, 2, idx.Len())
	assert.Equal(t, []string{"1", "2"}, idx.Candidates("apple"))
	assert.Equal(t, []string{"1", "2"}, idx.Candidates("APPLE"))
	assert.Equal(t, []string{"1"}, idx.Candidates("apple inc"))
	assert.Nil(t, idx.Candidates("pear"), "entries without description are dropped")

	for _, id := range idx.IDs() {
		e, err := idx.Entry(id)
		require.NoError(t, err)
		for _, alias := range e.Aliases {
			assert.Contains(t, idx.Candidates(alias), id)
		}
	}

	e, err := idx.Entry("1")
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "apple inc"}, e.Aliases)
	assert.Equal(t, []string{"apple", "apple inc"}, idx.Aliases())
	assert.Equal(t, 2, idx.NumAliases())
}

func TestIndex_EntryNotFound(t *testing.T) {
	idx := Build(nil)
	_, err := idx.Entry("missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBuild_DuplicateIDReplacesInPlace(t *testing.T) {
	idx := Build([]Record{
		{ID: "1", Name: "old", Attributes: []Attribute{{Key: "summary", Value: "first"}}},
		{ID: "2", Name: "other", Attributes: []Attribute{{Key: "summary", Value: "second"}}},
		{ID: "1", Name: "new", Attributes: []Attribute{{Key: "summary", Value: "third"}}},
	})
	assert.Equal(t, []string{"1", "2"}, idx.IDs())
	assert.Nil(t, idx.Candidates("old"))
	assert.Equal(t, []string{"1"}, idx.Candidates("new"))
}

func TestLoad(t *testing.T) {
	src := strings.Join([]string{
		`{"subject_id":"10","subject":"北京","alias":["京城"],"data":[{"predicate":"摘要","object":"中国首都"}]}`,
		``,
		`{"subject_id":"11","subject":"Paris","data":[{"predicate":"country","object":"France"}]}`,
	}, "\n")

	idx, err := Load(context.Background(), strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())
	assert.Equal(t, []string{"10"}, idx.Candidates("京城"))

	e, err := idx.Entry("11")
	require.NoError(t, err)
	assert.Equal(t, "country:france\n", e.Description)
}

func TestLoad_BadLine(t *testing.T) {
	_, err := Load(context.Background(), strings.NewReader("{not json}\n"))
	assert.Error(t, err)
}
