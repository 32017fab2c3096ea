// Package types holds the value types shared by the partitioner, the
// scheduler and the workers: jobs, experiment directories, outcomes, score
// reports and the run error taxonomy.
package types
