package receiver

import "time"

// DownloadCompleteRetries is how many extra times DOWNLOAD_COMPLETE is sent
// after the first attempt, to tolerate loss of a single ack.
const DownloadCompleteRetries = 3

// DownloadCompleteSpacing is the delay between DOWNLOAD_COMPLETE sends.
const DownloadCompleteSpacing = 100 * time.Millisecond

// SendDownloadComplete calls send once immediately, then up to
// DownloadCompleteRetries more times spaced DownloadCompleteSpacing apart,
// stopping early if stop is closed. It does not interpret send's error as
// fatal: a transient send failure still consumes a retry slot, since there
// is no ack channel to distinguish "lost" from "rejected".
func SendDownloadComplete(send func() error, stop <-chan struct{}) error {
	var lastErr error
	for attempt := 0; attempt <= DownloadCompleteRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(DownloadCompleteSpacing):
			case <-stop:
				return lastErr
			}
		}
		lastErr = send()
		select {
		case <-stop:
			return lastErr
		default:
		}
	}
	return lastErr
}
