// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package sunet provides SUNet, a U-shaped Swin Transformer for
// image-to-image tasks such as denoising and restoration.
//
// # Overview
//
// The model runs a shallow 3x3 convolution, embeds 4x4 patches, and passes
// the tokens through a Swin encoder whose stage inputs are kept as skip
// connections. The decoder upsamples with "Dual up-sample" blocks
// (pixel shuffle plus bilinear), concatenates the matching skip and projects
// it back, and a final 4x upsample and convolution return to image space.
//
// An optional global-context branch (GCNet blocks) runs alongside the
// encoder and is fused into every stage with cross-attention.
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/born/autodiff"
//	    "github.com/born-ml/born/backend/cpu"
//	    "github.com/born-ml/born/tensor"
//	    "github.com/glownet/glownet/sunet"
//	)
//
//	func main() {
//	    backend := autodiff.New(cpu.New())
//
//	    cfg := sunet.DefaultConfig()
//	    model, err := sunet.New(cfg, backend)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    x := tensor.Randn[float32](tensor.Shape{1, 3, 224, 224}, backend)
//	    y := model.Forward(x) // [1, 3, 224, 224]
//	}
//
// Tensor layout follows PyTorch: feature maps are [B, C, H, W] and token
// sequences are [B, H*W, C]. Parameter names match the PyTorch state dict,
// so StateDict and LoadStateDict can exchange weights with the reference
// implementation after conversion.
package sunet
