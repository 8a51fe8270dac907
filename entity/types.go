package entity

import "time"

// Table names of each entity type.
const (
	LeadsTable            = "leads"
	TasksTable            = "tasks"
	InventoryTable        = "inventory"
	CommissionsTable      = "commissions"
	CommissionRulesTable  = "commission_rules"
	GoalsTable            = "goals"
	TeamMembersTable      = "team_members"
	AgenciesTable         = "agencies"
	DailyLeadVolumesTable = "daily_lead_volumes"
)

// Tables lists every entity table, in registry order.
var Tables = []string{
	LeadsTable,
	TasksTable,
	InventoryTable,
	CommissionsTable,
	CommissionRulesTable,
	GoalsTable,
	TeamMembersTable,
	AgenciesTable,
	DailyLeadVolumesTable,
}

// Lead is a prospective customer, owned by a seller of an agency.
type Lead struct {
	ID           string     `json:"id" schema:"-"`
	Name         string     `json:"name" schema:"name"`
	Phone        string     `json:"phone,omitempty" schema:"phone"`
	Email        string     `json:"email,omitempty" schema:"email"`
	Source       string     `json:"source,omitempty" schema:"source"`
	Status       string     `json:"status,omitempty" schema:"status"`
	InterestedIn string     `json:"interestedIn,omitempty" schema:"interestedIn"`
	Value        float64    `json:"value,omitempty" schema:"value"`
	Notes        string     `json:"notes,omitempty" schema:"notes"`
	SellerID     string     `json:"sellerId,omitempty" schema:"sellerId"`
	AgencyID     string     `json:"agencyId,omitempty" schema:"agencyId"`
	CreatedAt    *time.Time `json:"createdAt,omitempty" schema:"-"`
	UpdatedAt    *time.Time `json:"updatedAt,omitempty" schema:"-"`
}

func (Lead) Table() string                 { return LeadsTable }
func (l Lead) EntityID() string            { return l.ID }
func (l Lead) WithEntityID(id string) Lead { l.ID = id; return l }

func (l Lead) Validate() error {
	if l.ID == "" {
		return invalid(LeadsTable, l.ID, "missing id")
	} else if l.Name == "" {
		return invalid(LeadsTable, l.ID, "missing name")
	} else if l.Value < 0 {
		return invalid(LeadsTable, l.ID, "negative value %v", l.Value)
	}
	return nil
}

// Task is a follow-up action, optionally attached to a Lead.
type Task struct {
	ID          string     `json:"id" schema:"-"`
	Title       string     `json:"title" schema:"title"`
	Description string     `json:"description,omitempty" schema:"description"`
	Priority    string     `json:"priority,omitempty" schema:"priority"`
	Completed   bool       `json:"completed" schema:"completed"`
	DueDate     *time.Time `json:"dueDate,omitempty" schema:"dueDate"`
	LeadID      string     `json:"leadId,omitempty" schema:"leadId"`
	AssigneeID  string     `json:"assigneeId,omitempty" schema:"assigneeId"`
	AgencyID    string     `json:"agencyId,omitempty" schema:"agencyId"`
	CreatedAt   *time.Time `json:"createdAt,omitempty" schema:"-"`
}

func (Task) Table() string                 { return TasksTable }
func (t Task) EntityID() string            { return t.ID }
func (t Task) WithEntityID(id string) Task { t.ID = id; return t }

func (t Task) Validate() error {
	if t.ID == "" {
		return invalid(TasksTable, t.ID, "missing id")
	} else if t.Title == "" {
		return invalid(TasksTable, t.ID, "missing title")
	}
	return nil
}

// InventoryItem is a stocked unit offered by an agency.
type InventoryItem struct {
	ID        string     `json:"id" schema:"-"`
	Name      string     `json:"name" schema:"name"`
	Brand     string     `json:"brand,omitempty" schema:"brand"`
	Model     string     `json:"model,omitempty" schema:"model"`
	Year      int        `json:"year,omitempty" schema:"year"`
	Price     float64    `json:"price,omitempty" schema:"price"`
	Quantity  int        `json:"quantity" schema:"quantity"`
	Status    string     `json:"status,omitempty" schema:"status"`
	AgencyID  string     `json:"agencyId,omitempty" schema:"agencyId"`
	CreatedAt *time.Time `json:"createdAt,omitempty" schema:"-"`
}

func (InventoryItem) Table() string                          { return InventoryTable }
func (i InventoryItem) EntityID() string                     { return i.ID }
func (i InventoryItem) WithEntityID(id string) InventoryItem { i.ID = id; return i }

func (i InventoryItem) Validate() error {
	if i.ID == "" {
		return invalid(InventoryTable, i.ID, "missing id")
	} else if i.Name == "" {
		return invalid(InventoryTable, i.ID, "missing name")
	} else if i.Quantity < 0 {
		return invalid(InventoryTable, i.ID, "negative quantity %d", i.Quantity)
	} else if i.Price < 0 {
		return invalid(InventoryTable, i.ID, "negative price %v", i.Price)
	}
	return nil
}

// Commission is an amount owed to a seller for a closed sale.
type Commission struct {
	ID        string     `json:"id" schema:"-"`
	SellerID  string     `json:"sellerId" schema:"sellerId"`
	AgencyID  string     `json:"agencyId,omitempty" schema:"agencyId"`
	LeadID    string     `json:"leadId,omitempty" schema:"leadId"`
	RuleID    string     `json:"ruleId,omitempty" schema:"ruleId"`
	SaleDate  *time.Time `json:"saleDate,omitempty" schema:"saleDate"`
	SaleValue float64    `json:"saleValue,omitempty" schema:"saleValue"`
	Amount    float64    `json:"amount" schema:"amount"`
	Status    string     `json:"status,omitempty" schema:"status"`
	CreatedAt *time.Time `json:"createdAt,omitempty" schema:"-"`
}

func (Commission) Table() string                       { return CommissionsTable }
func (c Commission) EntityID() string                  { return c.ID }
func (c Commission) WithEntityID(id string) Commission { c.ID = id; return c }

func (c Commission) Validate() error {
	if c.ID == "" {
		return invalid(CommissionsTable, c.ID, "missing id")
	} else if c.SellerID == "" {
		return invalid(CommissionsTable, c.ID, "missing sellerId")
	} else if c.Amount < 0 {
		return invalid(CommissionsTable, c.ID, "negative amount %v", c.Amount)
	}
	return nil
}

// CommissionRule determines the Commission paid on a sale.
type CommissionRule struct {
	ID            string  `json:"id" schema:"-"`
	Name          string  `json:"name" schema:"name"`
	Percentage    float64 `json:"percentage" schema:"percentage"`
	MinSaleAmount float64 `json:"minSaleAmount,omitempty" schema:"minSaleAmount"`
	FixedBonus    float64 `json:"fixedBonus,omitempty" schema:"fixedBonus"`
	Active        bool    `json:"active" schema:"active"`
	AgencyID      string  `json:"agencyId,omitempty" schema:"agencyId"`
}

func (CommissionRule) Table() string                           { return CommissionRulesTable }
func (r CommissionRule) EntityID() string                      { return r.ID }
func (r CommissionRule) WithEntityID(id string) CommissionRule { r.ID = id; return r }

func (r CommissionRule) Validate() error {
	if r.ID == "" {
		return invalid(CommissionRulesTable, r.ID, "missing id")
	} else if r.Name == "" {
		return invalid(CommissionRulesTable, r.ID, "missing name")
	} else if r.Percentage < 0 || r.Percentage > 100 {
		return invalid(CommissionRulesTable, r.ID, "percentage %v not in [0, 100]", r.Percentage)
	}
	return nil
}

// Goal is a sales target of a seller (or of a whole agency) over a period.
type Goal struct {
	ID            string  `json:"id" schema:"-"`
	Period        string  `json:"period" schema:"period"`
	TargetSales   int     `json:"targetSales,omitempty" schema:"targetSales"`
	TargetRevenue float64 `json:"targetRevenue,omitempty" schema:"targetRevenue"`
	SellerID      string  `json:"sellerId,omitempty" schema:"sellerId"`
	AgencyID      string  `json:"agencyId,omitempty" schema:"agencyId"`
}

func (Goal) Table() string                 { return GoalsTable }
func (g Goal) EntityID() string            { return g.ID }
func (g Goal) WithEntityID(id string) Goal { g.ID = id; return g }

func (g Goal) Validate() error {
	if g.ID == "" {
		return invalid(GoalsTable, g.ID, "missing id")
	} else if g.Period == "" {
		return invalid(GoalsTable, g.ID, "missing period")
	} else if g.TargetSales < 0 || g.TargetRevenue < 0 {
		return invalid(GoalsTable, g.ID, "negative target")
	}
	return nil
}

// TeamMember is a user of the dashboard belonging to an agency.
type TeamMember struct {
	ID        string     `json:"id" schema:"-"`
	Name      string     `json:"name" schema:"name"`
	Email     string     `json:"email,omitempty" schema:"email"`
	Phone     string     `json:"phone,omitempty" schema:"phone"`
	Role      string     `json:"role,omitempty" schema:"role"`
	Active    bool       `json:"active" schema:"active"`
	AgencyID  string     `json:"agencyId,omitempty" schema:"agencyId"`
	CreatedAt *time.Time `json:"createdAt,omitempty" schema:"-"`
}

func (TeamMember) Table() string                       { return TeamMembersTable }
func (m TeamMember) EntityID() string                  { return m.ID }
func (m TeamMember) WithEntityID(id string) TeamMember { m.ID = id; return m }

func (m TeamMember) Validate() error {
	if m.ID == "" {
		return invalid(TeamMembersTable, m.ID, "missing id")
	} else if m.Name == "" {
		return invalid(TeamMembersTable, m.ID, "missing name")
	}
	return nil
}

// Agency is a tenant of the dashboard.
type Agency struct {
	ID        string     `json:"id" schema:"-"`
	Name      string     `json:"name" schema:"name"`
	Plan      string     `json:"plan,omitempty" schema:"plan"`
	OwnerID   string     `json:"ownerId,omitempty" schema:"ownerId"`
	Active    bool       `json:"active" schema:"active"`
	CreatedAt *time.Time `json:"createdAt,omitempty" schema:"-"`
}

func (Agency) Table() string                   { return AgenciesTable }
func (a Agency) EntityID() string              { return a.ID }
func (a Agency) WithEntityID(id string) Agency { a.ID = id; return a }

func (a Agency) Validate() error {
	if a.ID == "" {
		return invalid(AgenciesTable, a.ID, "missing id")
	} else if a.Name == "" {
		return invalid(AgenciesTable, a.ID, "missing name")
	}
	return nil
}

// DailyLeadVolume counts leads received by an agency on a day, per source.
type DailyLeadVolume struct {
	ID       string `json:"id" schema:"-"`
	Day      string `json:"day" schema:"day"` // YYYY-MM-DD.
	Count    int    `json:"count" schema:"count"`
	Source   string `json:"source,omitempty" schema:"source"`
	AgencyID string `json:"agencyId,omitempty" schema:"agencyId"`
}

func (DailyLeadVolume) Table() string                            { return DailyLeadVolumesTable }
func (v DailyLeadVolume) EntityID() string                       { return v.ID }
func (v DailyLeadVolume) WithEntityID(id string) DailyLeadVolume { v.ID = id; return v }

func (v DailyLeadVolume) Validate() error {
	if v.ID == "" {
		return invalid(DailyLeadVolumesTable, v.ID, "missing id")
	} else if _, err := time.Parse(time.DateOnly, v.Day); err != nil {
		return invalid(DailyLeadVolumesTable, v.ID, "day %q is not YYYY-MM-DD", v.Day)
	} else if v.Count < 0 {
		return invalid(DailyLeadVolumesTable, v.ID, "negative count %d", v.Count)
	}
	return nil
}
