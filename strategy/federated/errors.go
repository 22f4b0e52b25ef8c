package federated

import "errors"

// errMissingMergeOperator is returned by New when cfg.MergeOperator is
// nil — a Fatal-class build-time error per §7 ("missing merge operator
// on federated build ... refuse to build").
var errMissingMergeOperator = errors.New("federated: merge operator is required")
