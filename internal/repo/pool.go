package repo

import (
	"runtime"
	"sync"
)

// archiveResult is one parse outcome, indexed to its input position so the
// reduction step (writeIndexes' sortArchives) can sort deterministically regardless of
// which worker finished first (spec §4.6: "ordering is applied at the
// reduction step, so output is reproducible independent of scheduling").
type archiveResult struct {
	Path   string
	Parsed *ParsedArchive
	Err    error
}

// parseAll runs ParseArchive over paths using a worker pool bounded to the
// CPU count (spec §5: "pools sized to the CPU count"), mirroring the
// teacher's pkg.BulkQueue channel-fed worker pattern but without the
// queue/get-result handshake, since every path is already known up front.
func parseAll(paths []string) []archiveResult {
	workers := runtime.NumCPU()
	if workers > len(paths) {
		workers = len(paths)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan int, len(paths))
	results := make([]archiveResult, len(paths))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				parsed, err := ParseArchive(paths[i])
				results[i] = archiveResult{Path: paths[i], Parsed: parsed, Err: err}
			}
		}()
	}

	for i := range paths {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}
