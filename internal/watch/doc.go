// Package watch produces observations of video files in a single directory.
//
// Two interchangeable sources implement the Source interface:
//
//   - PollSource: enumerates the directory every interval and fingerprints each
//     candidate with a CRC32 over its full contents
//   - NotifySource: forwards fsnotify create/write/remove events for the directory
//
// Both filter by extension at the boundary, so only recognized video files
// (".mp4" by default) ever reach the caller.
//
// # Polling
//
//	src, err := watch.NewPollSource(watch.PollConfig{
//	    Dir:      "/srv/capture",
//	    Interval: 6 * time.Minute,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := src.Start(ctx); err != nil {
//	    log.Fatal(err) // missing or unreadable directory
//	}
//	defer src.Stop()
//
//	for obs := range src.Observations() {
//	    fmt.Printf("%s %s crc=%08x\n", obs.Op, obs.Path, obs.Fingerprint)
//	}
//
// A PollSource emits every candidate on every cycle. The first sighting of a
// path is OpCreate, later ones OpModify, and paths that disappeared since the
// previous cycle are reported once as OpDelete.
//
// # Notifications
//
// The NotifySource maps fsnotify operations as follows:
//   - fsnotify.Create → OpCreate
//   - fsnotify.Write → OpModify
//   - fsnotify.Remove → OpDelete
//   - fsnotify.Rename → OpDelete (the new name triggers a separate Create)
//
// Chmod events are dropped.
//
// # Error Handling
//
// Start returns an error for anything that makes watching impossible: the
// directory is missing, is not a directory, cannot be read, or cannot be
// subscribed to. Everything after that (a file deleted mid-enumeration, a
// cycle where the directory is briefly unreadable, watcher overflow) is
// delivered on Errors() and the source keeps going. Consumers should drain
// both channels.
package watch
