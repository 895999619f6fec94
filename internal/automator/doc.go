// Package automator is the business boundary for pdautomator. It defines the
// Service (cycle lifecycle, single-flight, watch loop), the Store interface
// for run reports, and the Run model. Matching and execution live in the
// rules, plan and dispatch packages.
package automator
