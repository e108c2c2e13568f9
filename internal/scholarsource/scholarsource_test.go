package scholarsource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `
<html><body>
<div id="gsc_prf_in">Ada Lovelace</div>
<div class="gsc_prf_il">Analytical Engine Institute</div>
<div id="gsc_prf_ivh">Verified email at aei.example.com</div>
<div id="gsc_prf_int"><a>computation</a><a>mathematics</a></div>
<img id="gsc_prf_pup-img" src="https://scholar.google.com/avatar.jpg">
<table id="gsc_a_b">
  <tr class="gsc_a_tr">
    <td>
      <a class="gsc_a_at" href="/citations?view_op=view_citation&amp;citation_for_view=abc123:xyz789">Notes on the Analytical Engine</a>
      <div class="gs_gray">A Lovelace</div>
      <div class="gs_gray">Proceedings of Babbage</div>
    </td>
    <td class="gsc_a_c"><a>42</a></td>
    <td class="gsc_a_y"><span>1843</span></td>
  </tr>
</table>
<button id="gsc_bpf_more"></button>
</body></html>
`

const malformedPage = `<html><body><div>nothing here</div></body></html>`

func TestParseFirstPageOK(t *testing.T) {
	result := Parse([]byte(samplePage), true)
	require.Equal(t, KindOK, result.Kind)
	require.NotNil(t, result.Page)
	require.NotNil(t, result.Page.ProfileMeta)

	assert.Equal(t, "Ada Lovelace", result.Page.ProfileMeta.DisplayName)
	assert.Equal(t, "Analytical Engine Institute", result.Page.ProfileMeta.Affiliation)
	assert.Equal(t, "aei.example.com", result.Page.ProfileMeta.EmailDomain)
	assert.ElementsMatch(t, []string{"computation", "mathematics"}, result.Page.ProfileMeta.Interests)

	require.Len(t, result.Page.Rows, 1)
	row := result.Page.Rows[0]
	assert.Equal(t, "xyz789", row.ClusterID)
	assert.Equal(t, "Notes on the Analytical Engine", row.Title)
	assert.Equal(t, "A Lovelace", row.Authors)
	assert.Equal(t, "Proceedings of Babbage", row.VenueText)
	assert.Equal(t, 1843, row.Year)
	assert.Equal(t, 42, row.CitationCount)
	assert.True(t, result.Page.Pagination.HasNext)
}

func TestParseNonFirstPageSkipsProfile(t *testing.T) {
	result := Parse([]byte(samplePage), false)
	require.Equal(t, KindOK, result.Kind)
	assert.Nil(t, result.Page.ProfileMeta)
}

// §4.4 negative-space contract: a structural failure never yields a partial
// success — Page must be nil.
func TestParseMissingRowsIsLayoutError(t *testing.T) {
	result := Parse([]byte(malformedPage), true)
	assert.Equal(t, KindLayoutError, result.Kind)
	assert.Equal(t, CodeMissingRows, result.ErrorCode)
	assert.Nil(t, result.Page)
}
