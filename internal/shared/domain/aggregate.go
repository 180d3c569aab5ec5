package domain

// BaseAggregateRoot collects the events raised by an aggregate until they are drained.
type BaseAggregateRoot struct {
	BaseEntity
	events []DomainEvent
}

// NewBaseAggregateRoot wraps an entity as an aggregate root.
func NewBaseAggregateRoot(entity BaseEntity) BaseAggregateRoot {
	return BaseAggregateRoot{BaseEntity: entity}
}

// AddDomainEvent records an event.
func (a *BaseAggregateRoot) AddDomainEvent(event DomainEvent) {
	a.events = append(a.events, event)
}

// PullDomainEvents returns the recorded events and clears them.
func (a *BaseAggregateRoot) PullDomainEvents() []DomainEvent {
	events := a.events
	a.events = nil
	return events
}
