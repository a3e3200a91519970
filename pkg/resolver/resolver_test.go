package resolver

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name  string
		ref   string
		tails []string
		want  []string
	}{
		{
			name:  "original tail first",
			ref:   "qconfname_CH_1.QCONF",
			tails: []string{"_CH_1", "_CH_2", "_CH_1_snakemask"},
			want:  []string{"qconfname_CH_1.tif", "qconfname_CH_2.tif", "qconfname_CH_1_snakemask.tif"},
		},
		{
			name:  "original tail not first",
			ref:   "qconfname_CH_1.QCONF",
			tails: []string{"_CH_2", "_CH_1", "_CH_1_snakemask"},
			want:  []string{"qconfname_CH_2.tif", "qconfname_CH_1.tif", "qconfname_CH_1_snakemask.tif"},
		},
		{
			name:  "tails with extensions",
			ref:   "qconfname_CH_1.QCONF",
			tails: []string{"_CH_2.png", "_CH_1.png", "_CH_1_snakemask.tif"},
			want:  []string{"qconfname_CH_2.png", "qconfname_CH_1.png", "qconfname_CH_1_snakemask.tif"},
		},
		{
			name:  "dotted stem",
			ref:   "KZ4-220214-ABD-GFP-dev6h-agar2+TRITC-2.lsm_CH_1.tif",
			tails: []string{"_CH_1", "_CH_DIC"},
			want: []string{
				"KZ4-220214-ABD-GFP-dev6h-agar2+TRITC-2.lsm_CH_1.tif",
				"KZ4-220214-ABD-GFP-dev6h-agar2+TRITC-2.lsm_CH_DIC.tif",
			},
		},
		{
			name:  "pass through",
			ref:   "anything.QCONF",
			tails: nil,
			want:  []string{"anything.QCONF"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.ref, tt.tails)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Resolve(%q) mismatch (-want +got):\n%s", tt.ref, diff)
			}
		})
	}
}

func TestResolveNoMatch(t *testing.T) {
	_, err := Resolve("qconfname_CH_1.QCONF", []string{"_CH_2", "_CH_3", "_CH_1_snakemask"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoTailMatch))

	var re *ResolutionError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "qconfname_CH_1.QCONF", re.Reference)
}

func TestMatchFirstInListOrder(t *testing.T) {
	// _CH_1 is a substring of _CH_1_snakemask, so list order decides the stem
	stem, idx, err := Match("cell_CH_1_snakemask.tif", []string{"_CH_1", "_CH_1_snakemask"})
	require.NoError(t, err)
	assert.Equal(t, "cell", stem)
	assert.Equal(t, 0, idx)

	stem, idx, err = Match("cell_CH_1.tif", []string{"_CH_2", "_CH_1"})
	require.NoError(t, err)
	assert.Equal(t, "cell", stem)
	assert.Equal(t, 1, idx)
}

func TestMatchEmptyStem(t *testing.T) {
	stem, idx, err := Match("_CH_1.tif", []string{"_CH_1"})
	require.NoError(t, err)
	assert.Equal(t, "", stem)
	assert.Equal(t, 0, idx)
}
