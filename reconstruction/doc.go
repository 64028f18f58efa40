// Package reconstruction provides simple ReconstructionSource
// implementations for the ingestion pipeline.
//
// Static serves image lists held in memory. Manifest reads a YAML file that
// lists each registered image with its camera:
//
//	images:
//	  - path: frames/0001.jpg
//	    intrinsics:
//	      width: 1920
//	      height: 1080
//	      fx: 1450.2
//	      fy: 1450.2
//	      cx: 960
//	      cy: 540
//	      distortion: [0.01, -0.002, 0, 0, 0, 0, 0, 0]
//	    pose:
//	      rotation: [0.01, 0.2, 0.0]
//	      translation: [1.5, 0.0, 3.2]
//
// Rotation is axis-angle, reference to camera. Relative paths are resolved
// against the directory holding the manifest.
package reconstruction
