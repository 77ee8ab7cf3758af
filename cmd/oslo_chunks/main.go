// oslo_chunks reports how a declared tensor list would pack into sharded
// chunks: the chunk-size search verdict, the per-chunk layout and the
// per-rank memory bill, before committing to a training run.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/techthiyanes/oslo-1/internal/floats"
	"github.com/techthiyanes/oslo-1/types/shapes"
	"github.com/techthiyanes/oslo-1/zero/chunk"
)

var (
	flagWorld = flag.Int("world", 1, "Worker-group size: the number of ranks each chunk is sharded across. "+
		"Chunk capacities are padded to a multiple of this so every rank holds an equal shard.")
	flagCompute = flag.String("compute", "float16", "Compute dtype, the precision gathered chunks and gradients use. "+
		"Any float dtype name works, e.g. float32, float16, bfloat16.")
	flagMaster = flag.String("master", "float32", "Master dtype, the precision the authoritative weights rest in.")

	flagMinChunkSize = flag.Int("min_chunk_size", chunk.DefaultMinChunkSize,
		"Smallest chunk capacity, in elements, the size search considers. "+
			"The effective floor is raised to the largest declared tensor.")
	flagSearchRange = flag.Int("search_range", chunk.DefaultSearchRange,
		"How far above the floor, in elements, the search tries candidate sizes.")
	flagSearchInterval = flag.Int("search_interval", chunk.DefaultSearchInterval,
		"Step, in elements, between consecutive candidate sizes.")
	flagFilterExtreme = flag.Bool("filter_extreme", false,
		"Drop outlier tensors, more than three standard deviations above the mean size, from the "+
			"search simulation. They get dedicated chunks whatever size wins, so they only blur the comparison.")

	flagPlan       = flag.Bool("plan", false, "Show the per-chunk packing plan for the winning size.")
	flagCandidates = flag.Bool("candidates", false, "Show every candidate size the search simulated.")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing tensor list to plan from. See 'oslo_chunks -help'.")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'oslo_chunks -help'.")
		os.Exit(1)
	}
	report(args[0])
}

func report(listPath string) {
	if *flagWorld < 1 {
		klog.Errorf("-world must be at least 1, got %d.", *flagWorld)
		os.Exit(1)
	}
	computeDType := must.M1(dtypes.DTypeString(*flagCompute))
	masterDType := must.M1(dtypes.DTypeString(*flagMaster))
	for _, dtype := range []dtypes.DType{computeDType, masterDType} {
		if !floats.IsSupported(dtype) {
			klog.Errorf("Unsupported dtype %s: chunk payloads are float-typed.", dtype)
			os.Exit(1)
		}
	}

	decls := must.M1(readTensorList(listPath))
	var chunked, frozen []tensorDecl
	for _, decl := range decls {
		if decl.Frozen {
			frozen = append(frozen, decl)
		} else {
			chunked = append(chunked, decl)
		}
	}

	var payload, largest int64
	sizes := make([]int, 0, len(chunked))
	for _, decl := range chunked {
		size := shapes.Make(masterDType, decl.Dims...).Size()
		sizes = append(sizes, size)
		payload += int64(size)
		largest = max(largest, int64(size))
	}

	fmt.Println(titleStyle.Render("Packing Summary"))
	table := newPlainTable()
	table.Row("tensor list", listPath)
	table.Row("world size", humanize.Comma(int64(*flagWorld)))
	table.Row("compute / master", fmt.Sprintf("%s / %s", computeDType, masterDType))
	table.Row("tensors", humanize.Comma(int64(len(chunked))))
	if len(frozen) > 0 {
		table.Row("frozen tensors", humanize.Comma(int64(len(frozen))))
	}
	table.Row("payload elements", humanize.Comma(payload))
	table.Row("largest tensor", humanize.Comma(largest))
	fmt.Println(table.Render())

	if len(chunked) == 0 {
		printFrozen(frozen, computeDType)
		return
	}

	result := must.M1(chunk.SearchChunkConfiguration(
		map[int][]int{*flagWorld: sizes},
		chunk.SearchConfig{
			SearchRange:    *flagSearchRange,
			SearchInterval: *flagSearchInterval,
			MinChunkSize:   *flagMinChunkSize,
			FilterExtreme:  *flagFilterExtreme,
		}))
	plan := chunk.PlanPacking(sizes, result.Chosen.ChunkSize, *flagWorld)

	var capacity int64
	for _, c := range plan {
		capacity += int64(c.Capacity)
	}

	fmt.Println(titleStyle.Render("Chosen Configuration"))
	table = newPlainTable()
	table.Row("chunk size", humanize.Comma(int64(result.Chosen.ChunkSize)))
	table.Row("chunks", humanize.Comma(int64(len(plan))))
	table.Row("total capacity", humanize.Comma(capacity))
	table.Row("waste", humanize.Comma(result.Chosen.Waste))
	table.Row("utilization", utilization(payload, capacity))
	table.Row("candidates tried", humanize.Comma(int64(len(result.Candidates))))
	if result.Filtered > 0 {
		table.Row("outliers filtered", humanize.Comma(int64(result.Filtered)))
	}
	fmt.Println(table.Render())

	// Capacities are padded to multiples of the world size, so the shard
	// split is exact.
	shardElems := uint64(capacity) / uint64(*flagWorld)
	computeWidth := uint64(computeDType.Memory())
	masterWidth := uint64(masterDType.Memory())
	fmt.Println(titleStyle.Render("Per-Rank Memory"))
	table = newPlainTable()
	table.Row("compute shards", humanize.IBytes(shardElems*computeWidth))
	table.Row("master shards", humanize.IBytes(shardElems*masterWidth))
	table.Row("one gathered chunk", humanize.IBytes(uint64(result.Chosen.ChunkSize)*computeWidth))
	if len(frozen) > 0 {
		var frozenBytes uint64
		for _, decl := range frozen {
			frozenBytes += uint64(shapes.Make(computeDType, decl.Dims...).Memory())
		}
		table.Row("frozen tensors", humanize.IBytes(frozenBytes))
	}
	fmt.Println(table.Render())

	if *flagPlan {
		fmt.Println(titleStyle.Render("Packing Plan"))
		table = newPlainTable("Chunk", "Capacity", "Used", "Utilization", "Shard/Rank", "Tensors")
		for _, row := range planRows(chunked, plan, *flagWorld) {
			table.Row(row...)
		}
		fmt.Println(table.Render())
		printFrozen(frozen, computeDType)
	}

	if *flagCandidates {
		fmt.Println(titleStyle.Render("Candidates"))
		ht := newHighlightTable("Chunk Size", "Waste", "")
		for _, cand := range result.Candidates {
			chosen := cand.ChunkSize == result.Chosen.ChunkSize
			marker := ""
			if chosen {
				marker = "chosen"
			}
			ht.row(chosen, humanize.Comma(int64(cand.ChunkSize)), humanize.Comma(cand.Waste), marker)
		}
		fmt.Println(ht.render())
	}
}

// planRows formats the per-chunk table rows for the winning size.
func planRows(decls []tensorDecl, plan []chunk.PackedChunk, world int) [][]string {
	rows := make([][]string, 0, len(plan))
	for i, c := range plan {
		names := make([]string, len(c.Members))
		for j, m := range c.Members {
			names[j] = decls[m].Name
		}
		rows = append(rows, []string{
			strconv.Itoa(i),
			humanize.Comma(int64(c.Capacity)),
			humanize.Comma(int64(c.Used)),
			utilization(int64(c.Used), int64(c.Capacity)),
			humanize.Comma(int64(c.Capacity / world)),
			strings.Join(names, ", "),
		})
	}
	return rows
}

func printFrozen(frozen []tensorDecl, dtype dtypes.DType) {
	if len(frozen) == 0 {
		return
	}
	fmt.Println(titleStyle.Render("Frozen Tensors"))
	table := newPlainTable("Tensor", "Shape", "Bytes")
	for _, decl := range frozen {
		shape := shapes.Make(dtype, decl.Dims...)
		table.Row(decl.Name, shape.String(), humanize.IBytes(uint64(shape.Memory())))
	}
	fmt.Println(table.Render())
}

func utilization(used, capacity int64) string {
	if capacity == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", 100*float64(used)/float64(capacity))
}
