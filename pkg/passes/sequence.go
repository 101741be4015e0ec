package passes

import "github.com/octavolabs/octavo/pkg/pipeline"

// Sequence returns the full pass pipeline in execution order.
func Sequence() []pipeline.Pass {
	return []pipeline.Pass{
		TOCPass{},
		SplitPass{},
		ExtractPass{},
		VectorizePass{},
		GraphPass{},
		FinalizePass{},
		ValidatePass{},
	}
}
