// Package seed generates a fake clinic directory and weekly schedule.
package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-core/internal/schedule"
)

var Specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

var equipmentNames = []string{"Ultrasound", "ECG", "Laser", "X-Ray", "Spirometer", "Dermatoscope"}

type Options struct {
	Practitioners int
	Patients      int
	Rooms         int
	Equipment     int
	// Seed fixes the generated data; zero picks a random seed.
	Seed uint64
}

type Dataset struct {
	Patients      []schedule.Patient
	Practitioners []schedule.Practitioner
	Resources     []schedule.Resource
	Windows       []schedule.AvailabilityWindow
}

// Generate builds a dataset. Every practitioner works three to five weekdays
// with a morning and an afternoon block.
func Generate(opts Options) Dataset {
	f := gofakeit.New(opts.Seed)
	var ds Dataset

	for i := 0; i < opts.Practitioners; i++ {
		specialty := Specialties[f.Number(0, len(Specialties)-1)]
		p := schedule.Practitioner{
			ID:                uuidFrom(f),
			Name:              "Dr " + f.LastName(),
			Specialty:         &specialty,
			Rating:            float64(f.Number(30, 50)) / 10,
			AcceptingPatients: f.Number(0, 9) > 0,
		}
		ds.Practitioners = append(ds.Practitioners, p)
		ds.Windows = append(ds.Windows, weeklyWindows(f, p.ID)...)
	}

	for i := 0; i < opts.Patients; i++ {
		email := f.Email()
		phone := f.Phone()
		ds.Patients = append(ds.Patients, schedule.Patient{
			ID:    uuidFrom(f),
			Name:  f.Name(),
			Email: &email,
			Phone: &phone,
		})
	}

	for i := 0; i < opts.Rooms; i++ {
		ds.Resources = append(ds.Resources, schedule.Resource{
			ID:   uuidFrom(f),
			Kind: schedule.ResourceRoom,
			Name: fmt.Sprintf("Room %d", 101+i),
		})
	}
	for i := 0; i < opts.Equipment; i++ {
		ds.Resources = append(ds.Resources, schedule.Resource{
			ID:   uuidFrom(f),
			Kind: schedule.ResourceEquipment,
			Name: fmt.Sprintf("%s %d", equipmentNames[i%len(equipmentNames)], i/len(equipmentNames)+1),
		})
	}
	return ds
}

func weeklyWindows(f *gofakeit.Faker, practitionerID uuid.UUID) []schedule.AvailabilityWindow {
	days := []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
	f.ShuffleAnySlice(days)
	days = days[:f.Number(3, 5)]

	var out []schedule.AvailabilityWindow
	for _, day := range days {
		morningStart := schedule.Clock(f.Number(8, 9) * 60)
		out = append(out,
			schedule.AvailabilityWindow{
				ID: uuidFrom(f), PractitionerID: practitionerID, Weekday: day,
				Start: morningStart, End: 12 * 60, Active: true,
			},
			schedule.AvailabilityWindow{
				ID: uuidFrom(f), PractitionerID: practitionerID, Weekday: day,
				Start: 13 * 60, End: schedule.Clock(f.Number(16, 18) * 60), Active: true,
			},
		)
	}
	return out
}

// uuidFrom draws ids from the faker so a fixed seed yields stable ids.
func uuidFrom(f *gofakeit.Faker) uuid.UUID {
	id, err := uuid.Parse(f.UUID())
	if err != nil {
		return uuid.New()
	}
	return id
}

// Writer is satisfied by both schedule stores.
type Writer interface {
	schedule.DirectoryWriter
	schedule.AvailabilityWriter
}

// Load writes the dataset in dependency order.
func Load(ctx context.Context, w Writer, ds Dataset) error {
	for i := range ds.Practitioners {
		if err := w.CreatePractitioner(ctx, &ds.Practitioners[i]); err != nil {
			return fmt.Errorf("practitioner %d: %w", i, err)
		}
	}
	for i := range ds.Windows {
		if err := w.CreateAvailability(ctx, &ds.Windows[i]); err != nil {
			return fmt.Errorf("availability %d: %w", i, err)
		}
	}
	for i := range ds.Patients {
		if err := w.CreatePatient(ctx, &ds.Patients[i]); err != nil {
			return fmt.Errorf("patient %d: %w", i, err)
		}
	}
	for i := range ds.Resources {
		if err := w.CreateResource(ctx, &ds.Resources[i]); err != nil {
			return fmt.Errorf("resource %d: %w", i, err)
		}
	}
	return nil
}
