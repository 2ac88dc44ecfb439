package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is an address plus coordinates, as entered by the customer.
type Location struct {
	Address string `json:"address"`
	Coord   Coord  `json:"coord"`
}

type VehicleType string

const (
	VehicleSedan VehicleType = "sedan"
	VehicleSUV   VehicleType = "suv"
	VehicleBike  VehicleType = "bike"
	VehicleVan   VehicleType = "van"
)

func (v VehicleType) Valid() bool {
	switch v {
	case VehicleSedan, VehicleSUV, VehicleBike, VehicleVan:
		return true
	}
	return false
}

type RideStatus string

const (
	StatusSearching  RideStatus = "searching_for_rider"
	StatusAccepted   RideStatus = "accepted"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type PassengerStatus string

const (
	PassengerPending  PassengerStatus = "pending"
	PassengerApproved PassengerStatus = "approved"
	PassengerDeclined PassengerStatus = "declined"
	PassengerRemoved  PassengerStatus = "removed"
)

// Passenger is one customer's membership in a ride. The owning customer
// gets an approved entry at creation; everyone else starts pending.
type Passenger struct {
	CustomerID string          `json:"customer_id"`
	Status     PassengerStatus `json:"status"`
	JoinedAt   time.Time       `json:"joined_at"`
}

type EarlyStopStatus string

const (
	EarlyStopPending  EarlyStopStatus = "pending"
	EarlyStopAccepted EarlyStopStatus = "accepted"
	EarlyStopRejected EarlyStopStatus = "rejected"
	EarlyStopExpired  EarlyStopStatus = "expired"
)

// EarlyStop is the at-most-one in-flight proposal to shorten an
// in-progress ride.
type EarlyStop struct {
	ProposerID   string          `json:"proposer_id"`
	ProposedDrop Location        `json:"proposed_drop"`
	Status       EarlyStopStatus `json:"status"`
	ProposedAt   time.Time       `json:"proposed_at"`
}

type CancelReason string

const (
	CancelByCustomer    CancelReason = "customer"
	CancelByDriver      CancelReason = "driver"
	CancelByOperator    CancelReason = "operator"
	CancelNoDriverFound CancelReason = "no_driver_found"
)

// Ride is the aggregate root. Version is the optimistic guard: the store
// only applies a write whose expected version matches the persisted one.
type Ride struct {
	ID                  string       `json:"id"`
	CustomerID          string       `json:"customer_id"`
	DriverID            string       `json:"driver_id,omitempty"`
	VehicleType         VehicleType  `json:"vehicle_type"`
	Status              RideStatus   `json:"status"`
	Pickup              Location     `json:"pickup"`
	Drop                Location     `json:"drop"`
	Capacity            int          `json:"capacity"`
	AcceptingPassengers bool         `json:"accepting_passengers"`
	Passengers          []Passenger  `json:"passengers"`
	EarlyStop           *EarlyStop   `json:"early_stop,omitempty"`
	Fare                *float64     `json:"fare,omitempty"`
	PaymentRef          string       `json:"payment_ref,omitempty"`
	CancelReason        CancelReason `json:"cancel_reason,omitempty"`
	CancelledBy         string       `json:"cancelled_by,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	AcceptedAt          *time.Time   `json:"accepted_at,omitempty"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
	RebroadcastAt       *time.Time   `json:"rebroadcast_at,omitempty"`
	Version             int64        `json:"version"`
}

// ApprovedCount counts seats taken by approved passengers.
func (r *Ride) ApprovedCount() int {
	n := 0
	for _, p := range r.Passengers {
		if p.Status == PassengerApproved {
			n++
		}
	}
	return n
}

// PassengerByID returns a pointer into r.Passengers, or nil.
func (r *Ride) PassengerByID(customerID string) *Passenger {
	for i := range r.Passengers {
		if r.Passengers[i].CustomerID == customerID {
			return &r.Passengers[i]
		}
	}
	return nil
}

// Clone deep-copies the ride so callers can mutate a working copy and
// hand it to the store without aliasing a cached value.
func (r *Ride) Clone() *Ride {
	cp := *r
	cp.Passengers = make([]Passenger, len(r.Passengers))
	copy(cp.Passengers, r.Passengers)
	if r.EarlyStop != nil {
		es := *r.EarlyStop
		cp.EarlyStop = &es
	}
	if r.Fare != nil {
		f := *r.Fare
		cp.Fare = &f
	}
	if r.AcceptedAt != nil {
		t := *r.AcceptedAt
		cp.AcceptedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	if r.RebroadcastAt != nil {
		t := *r.RebroadcastAt
		cp.RebroadcastAt = &t
	}
	return &cp
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
	RoleOperator Role = "operator"
	RoleSystem   Role = "system"
)

// Actor is the resolved identity behind a request. Resolution happens in
// the auth layer; the core trusts it.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Driver is the shape reported on the location ingest path and stored in
// the geo index.
type Driver struct {
	ID          string      `json:"id"`
	Loc         Coord       `json:"loc"`
	VehicleType VehicleType `json:"vehicle_type"`
	OnDuty      bool        `json:"on_duty"`
	Updated     time.Time   `json:"updated"`
}

// RideRequest is the customer's creation payload.
type RideRequest struct {
	CustomerID          string      `json:"customer_id"`
	Pickup              Location    `json:"pickup"`
	Drop                Location    `json:"drop"`
	VehicleType         VehicleType `json:"vehicle_type"`
	Capacity            int         `json:"capacity"`
	AcceptingPassengers bool        `json:"accepting_passengers"`
}

type EventType string

const (
	EventRideOffer         EventType = "ride_offer"
	EventRideAccepted      EventType = "ride_accepted"
	EventRideStatusChanged EventType = "ride_status_changed"
	EventRideCancelled     EventType = "ride_cancelled"
	EventJoinRequested     EventType = "join_requested"
	EventJoinResolved      EventType = "join_resolved"
	EventPassengerRemoved  EventType = "passenger_removed"
	EventEarlyStopProposed EventType = "early_stop_proposed"
	EventEarlyStopResolved EventType = "early_stop_resolved"
)

// Event is the unit pushed over a presence channel and onto the ride
// event topic.
type Event struct {
	Type    EventType      `json:"type"`
	RideID  string         `json:"ride_id"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}
