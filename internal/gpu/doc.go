// Package gpu turns pixel buffers into wire-format command chunks on the
// GPU using gogpu/wgpu compute, with a host-side fallback when no device is
// available.
//
// The encoder never recomputes coordinates: a wire.Template built at startup
// is uploaded to the device once, and the per-frame kernel only fills each
// pixel's color field. Encode enqueues the work and returns an Op; the
// caller waits on Op.Done while the GPU and the submission ring make
// progress independently.
package gpu
