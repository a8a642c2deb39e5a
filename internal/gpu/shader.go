//go:build !nogpu

package gpu

import (
	"fmt"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

// fillShaderSource is the per-pixel color fill kernel.
//
// Storage buffers are u32-word addressed, so the kernel cannot store single
// bytes directly. Instead the template is uploaded with every color-field
// byte zeroed, and each invocation ORs its digit bytes into place with
// atomicOr. OR into a zeroed byte is race-free no matter how the fields
// straddle word boundaries: every field byte belongs to exactly one pixel,
// and the prefix/delimiter bytes sharing a word keep their template value.
//
// Modes: 0 = six hex digits (rrggbb), 1 = eight (rrggbbaa), 2 = raw RGBA.
const fillShaderSource = `
struct Params {
    pixel_count: u32,
    mode: u32,
    _pad0: u32,
    _pad1: u32,
}

@group(0) @binding(0) var<uniform> params: Params;
@group(0) @binding(1) var<storage, read> pixels: array<u32>;
@group(0) @binding(2) var<storage, read> field_off: array<u32>;
@group(0) @binding(3) var<storage, read_write> out: array<atomic<u32>>;

const SKIP: u32 = 0xffffffffu;

fn hex_digit(n: u32) -> u32 {
    // '0'..'9' then 'a'..'f'
    return select(n + 87u, n + 48u, n < 10u);
}

fn put_byte(off: u32, b: u32) {
    let word = off >> 2u;
    let shift = (off & 3u) * 8u;
    atomicOr(&out[word], b << shift);
}

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i >= params.pixel_count) {
        return;
    }
    let off = field_off[i];
    if (off == SKIP) {
        return;
    }

    let px = pixels[i];
    let r = px & 0xffu;
    let g = (px >> 8u) & 0xffu;
    let b = (px >> 16u) & 0xffu;
    let a = (px >> 24u) & 0xffu;

    if (params.mode == 2u) {
        put_byte(off + 0u, r);
        put_byte(off + 1u, g);
        put_byte(off + 2u, b);
        put_byte(off + 3u, a);
        return;
    }

    put_byte(off + 0u, hex_digit(r >> 4u));
    put_byte(off + 1u, hex_digit(r & 0xfu));
    put_byte(off + 2u, hex_digit(g >> 4u));
    put_byte(off + 3u, hex_digit(g & 0xfu));
    put_byte(off + 4u, hex_digit(b >> 4u));
    put_byte(off + 5u, hex_digit(b & 0xfu));
    if (params.mode == 1u) {
        put_byte(off + 6u, hex_digit(a >> 4u));
        put_byte(off + 7u, hex_digit(a & 0xfu));
    }
}
`

// compileFillShader compiles the WGSL kernel to SPIR-V and creates the
// shader module on the device.
func compileFillShader(dev hal.Device) (hal.ShaderModule, error) {
	spirvBytes, err := naga.Compile(fillShaderSource)
	if err != nil {
		return nil, fmt.Errorf("compile fill shader: %w", err)
	}

	// SPIR-V is little-endian 32-bit words.
	spirv := make([]uint32, len(spirvBytes)/4)
	for i := range spirv {
		spirv[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}

	return dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "flut_fill",
		Source: hal.ShaderSource{SPIRV: spirv},
	})
}
