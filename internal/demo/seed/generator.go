// Package seed builds the deterministic demo dataset the agent is usually
// pointed at: departments, their employees and the orders those employees
// booked.
package seed

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

type Department struct {
	ID       int64   `parquet:"id"`
	Name     string  `parquet:"name"`
	Location string  `parquet:"location"`
	Budget   float64 `parquet:"budget"`
}

type Employee struct {
	ID           int64   `parquet:"id"`
	Name         string  `parquet:"name"`
	Email        string  `parquet:"email"`
	DepartmentID int64   `parquet:"department_id"`
	Title        string  `parquet:"title"`
	Salary       float64 `parquet:"salary"`
	HiredOn      string  `parquet:"hired_on"`
}

type Order struct {
	ID         int64   `parquet:"id"`
	EmployeeID int64   `parquet:"employee_id"`
	Customer   string  `parquet:"customer"`
	Amount     float64 `parquet:"amount"`
	Status     string  `parquet:"status"`
	OrderedOn  string  `parquet:"ordered_on"`
}

type Dataset struct {
	Seed        int64
	Departments []Department
	Employees   []Employee
	Orders      []Order
}

var departments = []struct {
	name     string
	location string
	titles   []string
}{
	{"Engineering", "Berlin", []string{"Software Engineer", "Senior Engineer", "Staff Engineer"}},
	{"Sales", "London", []string{"Account Executive", "Sales Manager"}},
	{"Marketing", "New York", []string{"Marketing Specialist", "Content Lead"}},
	{"Finance", "Zurich", []string{"Accountant", "Controller"}},
	{"Support", "Lisbon", []string{"Support Agent", "Support Lead"}},
}

var (
	firstNames = []string{"Ada", "Grace", "Alan", "Edsger", "Barbara", "Ken", "Margaret", "Linus", "Radia", "Dennis", "Frances", "John", "Hedy", "Tim", "Katherine", "Niklaus"}
	lastNames  = []string{"Lovelace", "Hopper", "Turing", "Dijkstra", "Liskov", "Thompson", "Hamilton", "Torvalds", "Perlman", "Ritchie", "Allen", "Backus", "Lamarr", "Berners-Lee", "Johnson", "Wirth"}
	customers  = []string{"Acme Corp", "Globex", "Initech", "Umbrella", "Hooli", "Stark Industries", "Wayne Enterprises", "Soylent"}
	statuses   = []string{"pending", "shipped", "delivered", "cancelled"}
)

var (
	hireEpoch  = time.Date(2018, time.January, 1, 0, 0, 0, 0, time.UTC)
	orderEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
)

// Generate returns the same dataset for the same arguments.
func Generate(seed int64, employees, orders int) (Dataset, error) {
	if employees <= 0 {
		return Dataset{}, fmt.Errorf("employees must be > 0")
	}
	if orders < 0 {
		return Dataset{}, fmt.Errorf("orders must be >= 0")
	}
	rnd := rand.New(rand.NewSource(seed))
	ds := Dataset{
		Seed:        seed,
		Departments: make([]Department, 0, len(departments)),
		Employees:   make([]Employee, 0, employees),
		Orders:      make([]Order, 0, orders),
	}

	for i, dept := range departments {
		ds.Departments = append(ds.Departments, Department{
			ID:       int64(i + 1),
			Name:     dept.name,
			Location: dept.location,
			Budget:   round2(250_000 + rnd.Float64()*750_000),
		})
	}

	for i := range employees {
		deptIndex := rnd.Intn(len(departments))
		first := pickOne(rnd, firstNames)
		last := pickOne(rnd, lastNames)
		id := int64(i + 1)
		ds.Employees = append(ds.Employees, Employee{
			ID:           id,
			Name:         first + " " + last,
			Email:        fmt.Sprintf("%s.%s.%d@example.com", lower(first), lower(last), id),
			DepartmentID: int64(deptIndex + 1),
			Title:        pickOne(rnd, departments[deptIndex].titles),
			Salary:       round2(45_000 + rnd.Float64()*115_000),
			HiredOn:      hireEpoch.AddDate(0, 0, rnd.Intn(6*365)).Format(time.DateOnly),
		})
	}

	for i := range orders {
		ds.Orders = append(ds.Orders, Order{
			ID:         int64(i + 1),
			EmployeeID: int64(rnd.Intn(employees) + 1),
			Customer:   pickOne(rnd, customers),
			Amount:     round2(50 + rnd.Float64()*4_950),
			Status:     pickStatus(rnd),
			OrderedOn:  orderEpoch.AddDate(0, 0, rnd.Intn(365)).Format(time.DateOnly),
		})
	}
	return ds, nil
}

func pickStatus(r *rand.Rand) string {
	p := r.Intn(100)
	switch {
	case p < 15:
		return statuses[0]
	case p < 40:
		return statuses[1]
	case p < 92:
		return statuses[2]
	default:
		return statuses[3]
	}
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

func pickOne(r *rand.Rand, values []string) string {
	return values[r.Intn(len(values))]
}

func lower(value string) string {
	return strings.ReplaceAll(strings.ToLower(value), "-", "_")
}
