// Package scheduler fires the dispatcher's recurring maintenance jobs
// (retention sweep, daily analytics). Each trigger becomes one task on the
// engine; retries and overlap control belong to the engine.
package scheduler
