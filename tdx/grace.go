package tdx

import (
	"time"

	"github.com/atls-project/atls/atlserr"
)

// StatusOutOfDate is the TCB status that a grace period can temporarily
// admit; every other status is accepted or rejected purely by policy's
// allowed_tcb_status list.
const StatusOutOfDate = "OutOfDate"

// EnforceGracePeriod checks an OutOfDate TCB status against a configured
// grace period, measured from the matched TCB level's tcb_date. A nil
// gracePeriod disables the check entirely (OutOfDate is then accepted or
// rejected purely by policy's allowed_tcb_status list, which the caller
// checks after this call). Any other status is always allowed through
// unchanged.
func EnforceGracePeriod(status string, tcbDate string, gracePeriod *time.Duration, now time.Time) error {
	if gracePeriod == nil {
		return nil
	}
	if status != StatusOutOfDate {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, tcbDate)
	if err != nil {
		return atlserr.Wrap(atlserr.TCBInfoError, err, "invalid tcb_date %q", tcbDate)
	}
	expiration := parsed.Add(*gracePeriod)
	if expiration.Before(now) {
		return atlserr.New(atlserr.GracePeriodExpired, "tcb status %s expired its grace period at %s", status, expiration.Format(time.RFC3339)).
			WithField("tcb_status", status).
			WithField("tcb_date", tcbDate).
			WithField("grace_period_secs", int64(gracePeriod.Seconds()))
	}
	return nil
}
