package reconcile

import (
	"strings"
	"unicode/utf8"

	"holdingsitems/internal/holdings"
)

func validateAgency(agencyID int) error {
	if agencyID <= 0 {
		return holdings.Validationf("agency id must be positive, got %d", agencyID)
	}
	return nil
}

func validateUpdate(req UpdateRequest) error {
	if err := validateAgency(req.AgencyID); err != nil {
		return err
	}
	for i, rec := range req.Records {
		if err := validateRecord(rec); err != nil {
			return holdings.Validationf("records[%d]: %v", i, unwrapValidation(err))
		}
	}
	return nil
}

func validateComplete(req CompleteRequest) error {
	if err := validateAgency(req.AgencyID); err != nil {
		return err
	}
	return validateRecord(req.Record)
}

func validateOnline(req OnlineRequest) error {
	if err := validateAgency(req.AgencyID); err != nil {
		return err
	}
	if req.BibliographicRecordID == "" {
		return holdings.Validationf("bibliographic record id is required")
	}
	if req.Modified.IsZero() {
		return holdings.Validationf("record %s: modified is required", req.BibliographicRecordID)
	}
	return nil
}

// validateRecord checks a record snapshot. Issue and item ids must be
// non-empty since the empty id is reserved for the online holding, and an
// item id may appear only once per record.
func validateRecord(rec RecordInput) error {
	if rec.BibliographicRecordID == "" {
		return holdings.Validationf("bibliographic record id is required")
	}
	if rec.Modified.IsZero() {
		return holdings.Validationf("record %s: modified is required", rec.BibliographicRecordID)
	}
	issues := map[string]bool{}
	items := map[string]bool{}
	for _, issue := range rec.Issues {
		if issue.IssueID == holdings.OnlineID {
			return holdings.Validationf("record %s: issue id is required", rec.BibliographicRecordID)
		}
		if issues[issue.IssueID] {
			return holdings.Validationf("record %s: issue %s listed twice", rec.BibliographicRecordID, issue.IssueID)
		}
		issues[issue.IssueID] = true
		if issue.ReadyForLoan != nil && *issue.ReadyForLoan < holdings.ReadyForLoanUnknown {
			return holdings.Validationf("record %s issue %s: readyForLoan %d out of range",
				rec.BibliographicRecordID, issue.IssueID, *issue.ReadyForLoan)
		}
		for _, item := range issue.Items {
			if item.ItemID == holdings.OnlineID {
				return holdings.Validationf("record %s issue %s: item id is required", rec.BibliographicRecordID, issue.IssueID)
			}
			if items[item.ItemID] {
				return holdings.Validationf("record %s: item %s listed twice", rec.BibliographicRecordID, item.ItemID)
			}
			items[item.ItemID] = true
			switch item.Status {
			case holdings.StatusOnline:
				return holdings.Validationf("record %s item %s: status Online is only set by the online holding",
					rec.BibliographicRecordID, item.ItemID)
			case holdings.StatusUnset:
				return holdings.Validationf("record %s item %s: status is missing",
					rec.BibliographicRecordID, item.ItemID)
			}
			if utf8.RuneCountInString(item.LoanRestriction) > 1 {
				return holdings.Validationf("record %s item %s: loan restriction %q is more than one letter",
					rec.BibliographicRecordID, item.ItemID, item.LoanRestriction)
			}
		}
	}
	return nil
}

// unwrapValidation strips the sentinel prefix so nested messages read once.
func unwrapValidation(err error) string {
	return strings.TrimPrefix(err.Error(), holdings.ErrValidation.Error()+": ")
}
