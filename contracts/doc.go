// Package contracts defines the envelopes exchanged on every hop of the
// tracking-check relay, and the errors each hop reports.
//
// An Envelope is a tagged union. Kind selects the variant:
//   - KindRequest:  {id, body}     page -> bridge -> background
//   - KindResponse: {id, pixel?}   background -> bridge -> page
//   - KindError:    {id, error}    background -> bridge -> page
//
// On the in-page hop envelopes also carry a routing tag (From) so relay
// traffic can be told apart from unrelated same-origin messages.
package contracts
