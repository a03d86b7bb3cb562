package directory

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"wapp/apperr"
	"wapp/auth"
	"wapp/db"
	"wapp/lockset"
	"wapp/logging"
	"wapp/models"
	"wapp/notify"
	"wapp/registry"
	"wapp/store"
)

func init() {
	auth.BcryptCost = bcrypt.MinCost
}

// setupDirectory opens a fresh database in a temp dir
func setupDirectory(t *testing.T) (*Directory, *db.DB) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return New(database, lockset.New(), logging.New("ERROR")), database
}

func register(t *testing.T, d *Directory, identities ...string) {
	t.Helper()
	for _, id := range identities {
		_, err := d.Register(context.Background(), "user "+id, id, "pw")
		require.NoError(t, err)
	}
}

// checkInvariants asserts contact symmetry and membership symmetry over the
// whole store.
func checkInvariants(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()

	contacts, err := st.Contacts().All(ctx)
	require.NoError(t, err)
	groups, err := st.Groups().All(ctx)
	require.NoError(t, err)

	byIdentity := make(map[string]models.Contact, len(contacts))
	for _, c := range contacts {
		byIdentity[c.Identity] = c
	}
	byID := make(map[string]models.Group, len(groups))
	for _, g := range groups {
		byID[g.ID] = g
	}

	for _, c := range contacts {
		for _, other := range c.Contacts {
			assert.Contains(t, byIdentity[other].Contacts, c.Identity, "contact symmetry %s/%s", c.Identity, other)
		}
		for _, id := range c.MemberOf {
			g, ok := byID[id]
			if assert.True(t, ok, "%s references missing group %s", c.Identity, id) {
				assert.Contains(t, g.Members, c.Identity)
			}
		}
	}
	for _, g := range groups {
		assert.Contains(t, g.Members, g.Admin, "admin of %s is a member", g.ID)
		for _, m := range g.Members {
			assert.Contains(t, byIdentity[m].MemberOf, g.ID, "membership symmetry %s/%s", g.ID, m)
		}
	}
}

type recordingConn struct {
	mu    sync.Mutex
	count int
}

func (c *recordingConn) Send([]byte) bool {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
	return true
}

func (c *recordingConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func TestRegister(t *testing.T) {
	d, st := setupDirectory(t)
	ctx := context.Background()

	u, err := d.Register(ctx, "Ann", "100", "pw")
	require.NoError(t, err)
	assert.NotEqual(t, "pw", u.Password)

	c, err := st.Contacts().Find(ctx, "100")
	require.NoError(t, err)
	assert.Empty(t, c.Contacts)
	assert.Empty(t, c.MemberOf)

	_, err = d.Register(ctx, "Ann again", "100", "pw")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = d.Register(ctx, "Bob", "not-a-number", "pw")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestLogin(t *testing.T) {
	d, _ := setupDirectory(t)
	ctx := context.Background()
	register(t, d, "100")

	u, err := d.Login(ctx, "100", "pw")
	require.NoError(t, err)
	assert.Equal(t, "100", u.Mobile)

	_, err = d.Login(ctx, "100", "nope")
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))

	_, err = d.Login(ctx, "999", "pw")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestContactsStaySymmetric(t *testing.T) {
	d, st := setupDirectory(t)
	ctx := context.Background()
	register(t, d, "100", "200", "300")

	ns, err := d.AddContact(ctx, "100", "200")
	require.NoError(t, err)
	assert.ElementsMatch(t, notify.To(notify.ContactOrGroupChanged, "100", "200"), ns)

	_, err = d.AddContact(ctx, "100", "300")
	require.NoError(t, err)
	checkInvariants(t, st)

	_, err = d.AddContact(ctx, "200", "100")
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = d.AddContact(ctx, "100", "100")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = d.AddContact(ctx, "100", "999")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = d.RemoveContact(ctx, "200", "100")
	require.NoError(t, err)
	checkInvariants(t, st)

	c, err := st.Contacts().Find(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, []string{"300"}, c.Contacts)

	_, err = d.RemoveContact(ctx, "200", "100")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestCreateGroupNotifiesConnectedMembers(t *testing.T) {
	d, st := setupDirectory(t)
	ctx := context.Background()
	register(t, d, "100", "200", "300")

	reg := registry.New()
	b := notify.NewBroadcaster(reg, logging.New("ERROR"), 0)
	connB, connC := &recordingConn{}, &recordingConn{}
	reg.Bind(connB, "200")
	reg.Bind(connC, "300")

	g, ns, err := d.CreateGroup(ctx, "100", "Trip", []string{"200", "300", "200"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "200", "300"}, g.Members)
	assert.Equal(t, "100", g.Admin)

	delivered := b.Deliver(ns)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 1, connB.received())
	assert.Equal(t, 1, connC.received())

	for _, id := range []string{"100", "200", "300"} {
		c, err := st.Contacts().Find(ctx, id)
		require.NoError(t, err)
		assert.Contains(t, c.MemberOf, g.ID)
	}
	checkInvariants(t, st)

	// same admin and name is allowed
	other, _, err := d.CreateGroup(ctx, "100", "Trip", nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, g.ID, other.ID)
	checkInvariants(t, st)
}

func TestCreateGroupUnknownMemberRollsBack(t *testing.T) {
	d, st := setupDirectory(t)
	ctx := context.Background()
	register(t, d, "100", "200")

	_, _, err := d.CreateGroup(ctx, "100", "Trip", []string{"200", "999"}, nil)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	c, err := st.Contacts().Find(ctx, "200")
	require.NoError(t, err)
	assert.Empty(t, c.MemberOf)
	groups, err := st.Groups().All(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestLeaveGroupRemovesMemberAndNotifiesRemaining(t *testing.T) {
	d, st := setupDirectory(t)
	ctx := context.Background()
	register(t, d, "100", "200", "300")
	g, _, err := d.CreateGroup(ctx, "100", "Trip", []string{"200", "300"}, nil)
	require.NoError(t, err)

	ns, err := d.LeaveGroup(ctx, g.ID, "200")
	require.NoError(t, err)
	assert.ElementsMatch(t, notify.To(notify.ContactOrGroupChanged, "100", "200", "300"), ns)

	got, err := d.Group(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "300"}, got.Members)

	c, err := st.Contacts().Find(ctx, "200")
	require.NoError(t, err)
	assert.NotContains(t, c.MemberOf, g.ID)
	checkInvariants(t, st)

	_, err = d.LeaveGroup(ctx, g.ID, "200")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = d.LeaveGroup(ctx, g.ID, "100")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = d.LeaveGroup(ctx, "missing", "300")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestToggleMembership(t *testing.T) {
	d, st := setupDirectory(t)
	ctx := context.Background()
	register(t, d, "100", "200", "300")
	g, _, err := d.CreateGroup(ctx, "100", "Trip", []string{"200"}, nil)
	require.NoError(t, err)

	got, joined, ns, err := d.ToggleMembership(ctx, g.ID, "100", "300")
	require.NoError(t, err)
	assert.True(t, joined)
	assert.Equal(t, []string{"100", "200", "300"}, got.Members)
	assert.Len(t, ns, 3)
	checkInvariants(t, st)

	got, joined, ns, err = d.ToggleMembership(ctx, g.ID, "100", "300")
	require.NoError(t, err)
	assert.False(t, joined)
	assert.Equal(t, []string{"100", "200"}, got.Members)
	// the removed member is told too
	assert.ElementsMatch(t, notify.To(notify.ContactOrGroupChanged, "100", "200", "300"), ns)
	checkInvariants(t, st)

	_, _, _, err = d.ToggleMembership(ctx, g.ID, "200", "300")
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))

	_, _, _, err = d.ToggleMembership(ctx, g.ID, "100", "100")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, _, _, err = d.ToggleMembership(ctx, "missing", "100", "300")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, _, _, err = d.ToggleMembership(ctx, g.ID, "100", "999")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestDeleteGroupCascadesMembershipAndHistory(t *testing.T) {
	d, st := setupDirectory(t)
	ctx := context.Background()
	register(t, d, "100", "200", "300")
	g, _, err := d.CreateGroup(ctx, "100", "Trip", []string{"200", "300"}, nil)
	require.NoError(t, err)
	_, err = d.LeaveGroup(ctx, g.ID, "200")
	require.NoError(t, err)

	require.NoError(t, st.Chats().Insert(ctx, &models.Message{
		ID: "m1", Conversation: models.GroupConversation(g.ID), Sender: "100", GroupID: g.ID, Text: "hi",
	}))

	_, err = d.DeleteGroup(ctx, g.ID, "300")
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
	_, err = d.Group(ctx, g.ID)
	require.NoError(t, err)
	checkInvariants(t, st)

	reg := registry.New()
	b := notify.NewBroadcaster(reg, logging.New("ERROR"), 0)
	connA, connC := &recordingConn{}, &recordingConn{}
	reg.Bind(connA, "100")
	reg.Bind(connC, "300")

	ns, err := d.DeleteGroup(ctx, g.ID, "100")
	require.NoError(t, err)
	b.Deliver(ns)
	assert.Equal(t, 1, connA.received())
	assert.Equal(t, 1, connC.received())

	_, err = d.Group(ctx, g.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	for _, id := range []string{"100", "300"} {
		c, err := st.Contacts().Find(ctx, id)
		require.NoError(t, err)
		assert.NotContains(t, c.MemberOf, g.ID)
	}
	history, err := st.Chats().Conversation(ctx, models.GroupConversation(g.ID))
	require.NoError(t, err)
	assert.Empty(t, history)
	checkInvariants(t, st)

	_, err = d.DeleteGroup(ctx, g.ID, "100")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestEditGroup(t *testing.T) {
	d, st := setupDirectory(t)
	ctx := context.Background()
	register(t, d, "100", "200")
	g, _, err := d.CreateGroup(ctx, "100", "Trip", []string{"200"}, nil)
	require.NoError(t, err)

	name := "Holiday"
	img := &models.Media{ContentType: "image/png", Data: []byte{1, 2, 3}}
	got, ns, err := d.EditGroup(ctx, g.ID, "100", &name, img)
	require.NoError(t, err)
	assert.Equal(t, "Holiday", got.Name)
	assert.Len(t, ns, 2)

	stored, err := d.Group(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "Holiday", stored.Name)
	require.NotNil(t, stored.Image)
	assert.Equal(t, []byte{1, 2, 3}, stored.Image.Data)

	// memberOf holds the id, so the rename is visible through it
	groups, err := d.GroupsOf(ctx, "200")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "Holiday", groups[0].Name)

	_, _, err = d.EditGroup(ctx, g.ID, "200", &name, nil)
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))

	_, _, err = d.EditGroup(ctx, g.ID, "100", nil, nil)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	checkInvariants(t, st)
}

func TestEditProfileNotifiesContacts(t *testing.T) {
	d, _ := setupDirectory(t)
	ctx := context.Background()
	register(t, d, "100", "200", "300")
	_, err := d.AddContact(ctx, "100", "200")
	require.NoError(t, err)

	name := "Annie"
	u, ns, err := d.EditProfile(ctx, "100", &name, nil)
	require.NoError(t, err)
	assert.Equal(t, "Annie", u.Name)
	assert.ElementsMatch(t, notify.To(notify.ContactOrGroupChanged, "100", "200"), ns)

	_, _, err = d.EditProfile(ctx, "999", &name, nil)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestSnapshot(t *testing.T) {
	d, _ := setupDirectory(t)
	ctx := context.Background()
	register(t, d, "100", "200", "300")
	_, err := d.AddContact(ctx, "100", "200")
	require.NoError(t, err)
	own, _, err := d.CreateGroup(ctx, "100", "Mine", []string{"200"}, nil)
	require.NoError(t, err)
	foreign, _, err := d.CreateGroup(ctx, "300", "Theirs", []string{"100"}, nil)
	require.NoError(t, err)

	snap, err := d.Snapshot(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, "100", snap.User.Mobile)
	require.Len(t, snap.Contacts, 1)
	assert.Equal(t, "200", snap.Contacts[0].Mobile)
	require.Len(t, snap.Groups, 2)
	assert.Equal(t, own.ID, snap.Groups[0].ID)
	assert.Equal(t, foreign.ID, snap.Groups[1].ID)
	require.Len(t, snap.AdminOf, 1)
	assert.Equal(t, own.ID, snap.AdminOf[0].ID)
}

// faultyStore fails every contact update after the first failAfter within
// a transaction.
type faultyStore struct {
	store.Store
	failAfter int
	mu        sync.Mutex
	calls     int
}

func (f *faultyStore) Atomic(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.Atomic(ctx, func(tx store.Tx) error {
		return fn(&faultyTx{Tx: tx, f: f})
	})
}

type faultyTx struct {
	store.Tx
	f *faultyStore
}

func (t *faultyTx) Contacts() store.ContactStore {
	return &faultyContacts{ContactStore: t.Tx.Contacts(), f: t.f}
}

type faultyContacts struct {
	store.ContactStore
	f *faultyStore
}

func (c *faultyContacts) Update(ctx context.Context, contact *models.Contact) error {
	c.f.mu.Lock()
	c.f.calls++
	fail := c.f.calls > c.f.failAfter
	c.f.mu.Unlock()
	if fail {
		return apperr.New(apperr.KindStore, "injected failure")
	}
	return c.ContactStore.Update(ctx, contact)
}

func TestDeleteGroupFailureLeavesNoPartialState(t *testing.T) {
	d, st := setupDirectory(t)
	ctx := context.Background()
	register(t, d, "100", "200", "300")
	g, _, err := d.CreateGroup(ctx, "100", "Trip", []string{"200", "300"}, nil)
	require.NoError(t, err)

	faulty := New(&faultyStore{Store: st, failAfter: 1}, lockset.New(), logging.New("ERROR"))
	_, err = faulty.DeleteGroup(ctx, g.ID, "100")
	assert.Equal(t, apperr.KindStore, apperr.KindOf(err))

	got, err := d.Group(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"100", "200", "300"}, got.Members)
	for _, id := range got.Members {
		c, err := st.Contacts().Find(ctx, id)
		require.NoError(t, err)
		assert.Contains(t, c.MemberOf, g.ID)
	}
	checkInvariants(t, st)
}

func TestConcurrentTogglesKeepMembershipSymmetric(t *testing.T) {
	d, st := setupDirectory(t)
	ctx := context.Background()

	members := make([]string, 8)
	for i := range members {
		members[i] = fmt.Sprint(200 + i)
	}
	register(t, d, "100")
	register(t, d, members...)
	g, _, err := d.CreateGroup(ctx, "100", "Busy", nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		for _, m := range members {
			wg.Add(1)
			go func(m string) {
				defer wg.Done()
				_, _, _, err := d.ToggleMembership(ctx, g.ID, "100", m)
				assert.NoError(t, err)
			}(m)
		}
	}
	wg.Wait()

	// three toggles each: every member ends up in the group
	got, err := d.Group(ctx, g.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, append([]string{"100"}, members...), got.Members)
	checkInvariants(t, st)
}

func TestConcurrentLeavesTogglesAndDeleteKeepMembershipSymmetric(t *testing.T) {
	d, st := setupDirectory(t)
	ctx := context.Background()

	ids := func(from, n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = fmt.Sprint(from + i)
		}
		return out
	}
	leavers, removed, added := ids(200, 4), ids(210, 4), ids(220, 4)
	register(t, d, "100")
	register(t, d, leavers...)
	register(t, d, removed...)
	register(t, d, added...)

	initial := append(append([]string{}, leavers...), removed...)
	stay, _, err := d.CreateGroup(ctx, "100", "Stay", initial, nil)
	require.NoError(t, err)
	doomed, _, err := d.CreateGroup(ctx, "100", "Doomed", initial, nil)
	require.NoError(t, err)

	// a group deleted mid-flight turns every later change into NotFound
	allowed := func(groupID string, err error) {
		if err == nil {
			return
		}
		if groupID == doomed.ID && apperr.KindOf(err) == apperr.KindNotFound {
			return
		}
		t.Errorf("group %s: unexpected error: %v", groupID, err)
	}

	var wg sync.WaitGroup
	for _, groupID := range []string{stay.ID, doomed.ID} {
		for _, m := range leavers {
			wg.Add(1)
			go func(groupID, m string) {
				defer wg.Done()
				_, err := d.LeaveGroup(ctx, groupID, m)
				allowed(groupID, err)
			}(groupID, m)
		}
		for _, m := range append(append([]string{}, removed...), added...) {
			wg.Add(1)
			go func(groupID, m string) {
				defer wg.Done()
				_, _, _, err := d.ToggleMembership(ctx, groupID, "100", m)
				allowed(groupID, err)
			}(groupID, m)
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := d.DeleteGroup(ctx, doomed.ID, "100")
		assert.NoError(t, err)
	}()
	wg.Wait()

	got, err := d.Group(ctx, stay.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, append([]string{"100"}, added...), got.Members)

	_, err = d.Group(ctx, doomed.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	for _, id := range append(append(append([]string{"100"}, leavers...), removed...), added...) {
		c, err := st.Contacts().Find(ctx, id)
		require.NoError(t, err)
		assert.NotContains(t, c.MemberOf, doomed.ID, "%s still references deleted group", id)
	}
	checkInvariants(t, st)
}
