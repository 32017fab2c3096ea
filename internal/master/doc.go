// Package master drives a cross-validation run: it fans jobs out to one lane
// per worker, collects every job's terminal outcome, retires workers whose
// environment breaks and aggregates the scores per parameter string once the
// queue has drained.
package master
