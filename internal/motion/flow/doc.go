// Package flow owns the optical flow layer of the motion pipeline.
//
// Responsibilities: dense flow estimation between the two buffered frames,
// min-max normalization of the flow magnitude to [0,1], and publication of
// each result as an immutable, versioned Field. The field mean is the
// motion-intensity signal the persistence policy reacts to.
// Key types: Engine, Field, Estimator, LucasKanade.
//
// Dependency rule: flow may depend on frames, never on detect or persist.
package flow
