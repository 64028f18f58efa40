// Package resource bounds what an ingestion run holds and reads.
//
// A Controller combines a weighted semaphore over decoded pixel bytes with a
// token-bucket limiter over source file reads. Every method is safe for
// concurrent use and a nil *Controller is a valid, unlimited controller:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes:   512 << 20,
//	    IOLimitBytesPerSec: 100 << 20,
//	})
//
//	if err := rc.AcquireIO(ctx, fileSize); err != nil {
//	    return err
//	}
//	if err := rc.AcquireMemory(ctx, pixels); err != nil {
//	    return err
//	}
//	defer rc.ReleaseMemory(pixels)
package resource
