package migrations

import "github.com/Seklfreak/robyul-referrals/models"

func m4_create_mongodb_indexes() error {
	err := EnsureMdbIndex(models.StaffAttributionTable, false, "invitecode")
	if err != nil {
		return err
	}

	err = EnsureMdbIndex(models.JoinRecordsTable, false, "userid", "observedat")
	if err != nil {
		return err
	}

	err = EnsureMdbIndex(models.JoinRecordsTable, false, "staffid")
	if err != nil {
		return err
	}

	return EnsureMdbIndex(models.VIPRequestsTable, false, "userid")
}
