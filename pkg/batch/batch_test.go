package batch

import (
	"bytes"
	"context"
	"image"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/cellcrop/internal/config"
	"github.com/menta2k/cellcrop/internal/testutil"
	"github.com/menta2k/cellcrop/pkg/processing"
	"github.com/menta2k/cellcrop/pkg/types"
)

var (
	smallBox = types.BoundingBox{X: 2, Y: 2, Width: 6, Height: 4}
	largeBox = types.BoundingBox{X: 5, Y: 5, Width: 12, Height: 10}
)

// fixture writes two-channel stacks for each stem and one QCONF per stem with a
// small and a large object tracked over frames frames.
func fixture(t *testing.T, frames int, stems ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, stem := range stems {
		for ch, seed := range map[string]uint8{"_CH_1": 0, "_CH_2": 50} {
			var pages []*image.Gray
			for f := 0; f < frames; f++ {
				pages = append(pages, testutil.Gradient(20, 20, seed+uint8(f)))
			}
			require.NoError(t, testutil.WriteGrayStack(filepath.Join(dir, stem+ch+".tif"), pages))
		}
		_, err := testutil.WriteQCONF(dir, stem+"_CH_1.QCONF", testutil.QCONF{
			CreatedOn: "Mon Feb 14 10:00:00 GMT 2022",
			ImagePath: "/acquisition/" + stem + "_CH_1.tif",
			Frames:    frames,
			Handlers: [][]testutil.Snake{
				testutil.UniformSnakes(frames, smallBox),
				testutil.UniformSnakes(frames, largeBox),
			},
		})
		require.NoError(t, err)
	}
	return dir
}

func testConfig(t *testing.T, in string) config.Config {
	c := config.Default()
	c.Input.Dir = in
	c.Output.Dir = filepath.Join(t.TempDir(), "out")
	c.Input.Tails = []string{"_CH_1", "_CH_2"}
	c.Crop.Edge = 8
	return *c
}

func newTestOrchestrator(c config.Config, console, logs *bytes.Buffer) *Orchestrator {
	return New(c, WithOutput(console), WithLogger(log.New(logs, "", 0)))
}

func TestCollect(t *testing.T) {
	in := fixture(t, 3, "cell")
	records, err := New(testConfig(t, in), WithLogger(log.New(&bytes.Buffer{}, "", 0))).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 6)

	for i, r := range records {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, i%3+1, r.Frame)
		assert.Equal(t, "/acquisition/cell_CH_1.tif", r.ImageName)
		assert.Equal(t, filepath.Join(in, "cell_CH_1.QCONF"), r.Source)
	}
	assert.Equal(t, smallBox, records[0].Bounds)
	assert.Equal(t, largeBox, records[3].Bounds)
}

func TestRun(t *testing.T) {
	in := fixture(t, 3, "cell")
	c := testConfig(t, in)
	var console, logs bytes.Buffer

	report, err := newTestOrchestrator(c, &console, &logs).Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 8, report.Edge)
	assert.Equal(t, 6, report.Records)
	assert.Equal(t, 6, report.Processed)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, types.Counters{Rescaled: 3, Padded: 3}, report.Counters)
	assert.LessOrEqual(t, report.Counters.Total(), report.Processed)
	require.Len(t, report.Outputs, 12)

	p := processing.NewProcessor()
	for _, e := range report.Outputs {
		img, err := p.LoadImage(filepath.Join(c.Output.Dir, e.File))
		require.NoError(t, err, e.File)
		assert.Equal(t, image.Rect(0, 0, 8, 8), img.Bounds(), e.File)
	}

	assert.Equal(t, "cell_CH_1.tif_0.png", report.Outputs[0].File)
	assert.Equal(t, "cell_CH_2.tif_0.png", report.Outputs[1].File)
	assert.Equal(t, "PADDED", report.Outputs[0].Action)
	assert.Equal(t, "RESCALED", report.Outputs[6].Action)

	out := console.String()
	assert.Contains(t, out, "Processing cell_CH_1.tif (3, 20, 20) frame 1 [PADDED]")
	assert.Contains(t, out, "Processing cell_CH_1.tif (3, 20, 20) frame 3 [RESCALED]")
	assert.Contains(t, out, "Rescaled: 3/6")
	assert.Contains(t, out, "Padded: 3/6")
	assert.Contains(t, out, "Edge: 8")
	assert.NotContains(t, out, "Failed")
}

func TestRunAnonymize(t *testing.T) {
	c := testConfig(t, fixture(t, 1, "cell"))
	c.Output.Anonymize = true
	c.Output.Format = "tif"
	var console, logs bytes.Buffer

	report, err := newTestOrchestrator(c, &console, &logs).Run(context.Background())
	require.NoError(t, err)

	var names []string
	for _, e := range report.Outputs {
		names = append(names, e.File)
	}
	assert.Equal(t, []string{"0_0.tif", "0_1.tif", "1_0.tif", "1_1.tif"}, names)
	for _, n := range names {
		_, err := os.Stat(filepath.Join(c.Output.Dir, n))
		assert.NoError(t, err)
	}
}

func TestRunMissingCompanion(t *testing.T) {
	c := testConfig(t, fixture(t, 2, "cell"))
	c.Input.Tails = []string{"_CH_1", "_CH_3"}
	var console, logs bytes.Buffer

	report, err := newTestOrchestrator(c, &console, &logs).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Processed)
	assert.Equal(t, 4, report.Failed)
	assert.Equal(t, types.Counters{}, report.Counters)
	assert.Empty(t, report.Outputs)
	assert.Contains(t, logs.String(), "cell_CH_1.QCONF record 0")
	assert.Contains(t, logs.String(), "cell_CH_3.tif")
	assert.Contains(t, console.String(), "Failed: 4/4")
}

func TestRunUnresolvedTails(t *testing.T) {
	c := testConfig(t, fixture(t, 1, "cell"))
	c.Input.Tails = []string{"_GFP"}
	var console, logs bytes.Buffer

	report, err := newTestOrchestrator(c, &console, &logs).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.Contains(t, logs.String(), "no tail matches")
}

func TestRunPrimaryChannelCounts(t *testing.T) {
	// the matched tail is the second in the list, so channel 1 is counted
	c := testConfig(t, fixture(t, 1, "cell"))
	c.Input.Tails = []string{"_CH_2", "_CH_1"}
	var console, logs bytes.Buffer

	report, err := newTestOrchestrator(c, &console, &logs).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.Counters{Rescaled: 1, Padded: 1}, report.Counters)
	assert.Equal(t, "cell_CH_2.tif_0.png", report.Outputs[0].File)
	assert.Contains(t, console.String(), "Processing cell_CH_1.tif")
}

func TestRunFrameOutOfRange(t *testing.T) {
	in := fixture(t, 2, "cell")
	// the annotation claims three frames but the stacks hold two
	_, err := testutil.WriteQCONF(in, "cell_CH_1.QCONF", testutil.QCONF{
		ImagePath: "cell_CH_1.tif",
		Frames:    3,
		Handlers:  [][]testutil.Snake{testutil.UniformSnakes(3, smallBox)},
	})
	require.NoError(t, err)
	var console, logs bytes.Buffer

	report, err := newTestOrchestrator(testConfig(t, in), &console, &logs).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, logs.String(), "frame 3 out of range")
	// ratios are over the records that made it through
	assert.Contains(t, console.String(), "Padded: 2/2")
	assert.Contains(t, console.String(), "Rescaled: 0/2")
	assert.Contains(t, console.String(), "Failed: 1/3")
}

func TestRunSkipsBrokenDocument(t *testing.T) {
	in := fixture(t, 1, "cell")
	require.NoError(t, os.WriteFile(filepath.Join(in, "aaa.QCONF"), []byte("{broken"), 0644))
	var console, logs bytes.Buffer

	report, err := newTestOrchestrator(testConfig(t, in), &console, &logs).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Contains(t, logs.String(), "skipping aaa.QCONF")
}

func TestRunAutoEdge(t *testing.T) {
	in := t.TempDir()
	require.NoError(t, testutil.WriteGrayStack(filepath.Join(in, "c_CH_1.tif"),
		[]*image.Gray{testutil.Gradient(30, 30, 0), testutil.Gradient(30, 30, 1)}))
	box := types.BoundingBox{X: 3, Y: 4, Width: 9, Height: 7}
	_, err := testutil.WriteQCONF(in, "c_CH_1.QCONF", testutil.QCONF{
		ImagePath: "c_CH_1.tif",
		Frames:    2,
		Handlers:  [][]testutil.Snake{testutil.UniformSnakes(2, box)},
	})
	require.NoError(t, err)

	c := testConfig(t, in)
	c.Crop.Edge = 0
	c.Input.Tails = []string{"_CH_1"}
	var console, logs bytes.Buffer

	report, err := newTestOrchestrator(c, &console, &logs).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, report.Edge)
	assert.Equal(t, types.Counters{Padded: 2}, report.Counters)
}

func TestRunTrueBackground(t *testing.T) {
	c := testConfig(t, fixture(t, 1, "cell"))
	c.Crop.TrueBackground = true
	c.Crop.Edge = 10
	var console, logs bytes.Buffer

	report, err := newTestOrchestrator(c, &console, &logs).Run(context.Background())
	require.NoError(t, err)
	// both windows fit inside the 20x20 plane at full size
	assert.Equal(t, types.Counters{}, report.Counters)
	assert.Equal(t, 2, report.Processed)
}

func TestRunShowStats(t *testing.T) {
	c := testConfig(t, fixture(t, 2, "cell"))
	c.Output.ShowStats = true
	var console, logs bytes.Buffer

	report, err := newTestOrchestrator(c, &console, &logs).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Records)
	assert.Equal(t, 0, report.Processed)
	assert.Empty(t, report.Outputs)

	_, err = os.Stat(filepath.Join(c.Output.Dir, PlotFile))
	assert.NoError(t, err)
	entries, err := os.ReadDir(c.Output.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Contains(t, console.String(), "Width")
}

func TestRunManifestAndDebug(t *testing.T) {
	c := testConfig(t, fixture(t, 1, "cell"))
	c.Output.Manifest = true
	c.Output.Debug = true
	var console, logs bytes.Buffer

	report, err := newTestOrchestrator(c, &console, &logs).Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(c.Output.Dir, ManifestFile))
	require.NoError(t, err)
	var back Report
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, report.RunID, back.RunID)
	assert.Equal(t, report.Edge, back.Edge)
	if diff := cmp.Diff(report.Outputs, back.Outputs); diff != "" {
		t.Errorf("manifest outputs mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "cell_CH_1.QCONF", back.Outputs[0].Source)
	assert.Equal(t, smallBox, back.Outputs[0].Bounds)

	_, err = os.Stat(filepath.Join(c.Output.Dir, "debug_cell_CH_1.tif_0.png"))
	assert.NoError(t, err)
}

func TestRunWorkersMatchSequential(t *testing.T) {
	in := fixture(t, 3, "a", "b", "c")
	var console, logs bytes.Buffer

	seq := testConfig(t, in)
	want, err := newTestOrchestrator(seq, &console, &logs).Run(context.Background())
	require.NoError(t, err)

	par := testConfig(t, in)
	par.Workers = 3
	var parConsole bytes.Buffer
	got, err := newTestOrchestrator(par, &parConsole, &logs).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 18, got.Processed)
	assert.Equal(t, want.Counters, got.Counters)
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Report{}, "RunID"), cmpopts.IgnoreUnexported(Report{}.Stats)); diff != "" {
		t.Errorf("parallel report differs (-seq +par):\n%s", diff)
	}
	assert.Equal(t, console.String(), parConsole.String())
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, os.ErrClosed }

func TestRunConsoleWriteError(t *testing.T) {
	for _, workers := range []int{1, 2} {
		c := testConfig(t, fixture(t, 1, "cell"))
		c.Workers = workers
		var logs bytes.Buffer

		_, err := New(c, WithOutput(brokenWriter{}), WithLogger(log.New(&logs, "", 0))).Run(context.Background())
		assert.ErrorIs(t, err, os.ErrClosed, "workers=%d", workers)
	}
}

func TestRunCancelled(t *testing.T) {
	c := testConfig(t, fixture(t, 1, "cell"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var console, logs bytes.Buffer

	_, err := newTestOrchestrator(c, &console, &logs).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunEmptyInput(t *testing.T) {
	var console, logs bytes.Buffer
	report, err := newTestOrchestrator(testConfig(t, t.TempDir()), &console, &logs).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Records)
	assert.Contains(t, logs.String(), "no objects found")
}

func TestGroupRecords(t *testing.T) {
	records := []types.ObjectRecord{
		{Index: 0, ImageName: `C:\data\b_CH_1.tif`},
		{Index: 1, ImageName: "/x/a_CH_1.tif"},
		{Index: 2, ImageName: "b_CH_1.tif"},
	}
	groups := groupRecords(records)
	require.Len(t, groups, 2)
	assert.Equal(t, "b_CH_1.tif", groups[0].reference)
	assert.Len(t, groups[0].records, 2)
	assert.Equal(t, "a_CH_1.tif", groups[1].reference)
}
